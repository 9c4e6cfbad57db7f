package deviceflow

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/corralhq/corral/internal/validation"
)

// generateDeviceCode generates the opaque polling credential: 32 random
// bytes hex encoded, held by the device only and never shown to a human.
func generateDeviceCode() (string, error) {
	bytes := make([]byte, deviceCodeBytes)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return hex.EncodeToString(bytes), nil
}

// selectRandomChar selects a random character from the set without
// modulo bias.
func selectRandomChar(charset string) (byte, error) {
	setLen := len(charset)
	maxUsable := 256 - (256 % setLen)

	for {
		b := make([]byte, 1)
		if _, err := rand.Read(b); err != nil {
			return 0, fmt.Errorf("generating random byte: %w", err)
		}
		if int(b[0]) >= maxUsable {
			continue
		}
		return charset[int(b[0])%setLen], nil
	}
}

// generateUserCode generates the short human-typeable code from the
// restricted alphabet, retrying until the result passes validation.
func generateUserCode() (string, error) {
	const maxAttempts = 100

	for attempt := 0; attempt < maxAttempts; attempt++ {
		code := make([]byte, validation.CodeLength)
		for i := range code {
			char, err := selectRandomChar(validation.Charset)
			if err != nil {
				return "", err
			}
			code[i] = char
		}

		formatted := validation.FormatCode(string(code))
		if err := validation.ValidateUserCode(formatted); err == nil {
			return string(code), nil
		}
	}

	return "", fmt.Errorf("failed to generate valid user code after %d attempts", maxAttempts)
}
