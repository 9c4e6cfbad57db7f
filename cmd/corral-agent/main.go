// Command corral-agent is a headless client for the device
// authorization grant: it requests a device code, waits for a human to
// approve the user code in a browser, then uses the minted token to
// make an authenticated API call.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

type authorizeResponse struct {
	DeviceCode      string `json:"deviceCode"`
	UserCode        string `json:"userCode"`
	VerificationURL string `json:"verificationUrl"`
	ExpiresIn       int    `json:"expiresIn"`
	Interval        int    `json:"interval"`
}

type tokenResponse struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Error        string    `json:"error"`
}

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "corral server URL")
	basePath := flag.String("base", "/api/corral", "API base path")
	clientID := flag.String("client", "corral-agent", "client identifier")
	meterID := flag.String("meter", "api_calls", "meter to track after authenticating")
	flag.Parse()

	ctx := context.Background()
	base := *serverURL + *basePath

	authz, err := requestDeviceCode(ctx, base, *clientID)
	if err != nil {
		log.Fatalf("Error requesting device code: %v", err)
	}

	fmt.Printf("Open %s and enter code: %s\n", authz.VerificationURL, authz.UserCode)

	tok, err := pollForToken(ctx, base, authz)
	if err != nil {
		log.Fatalf("Error waiting for authorization: %v", err)
	}
	fmt.Println("Authorized.")

	// From here on the agent is an ordinary bearer-token client.
	source := oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    "Bearer",
		Expiry:       tok.ExpiresAt,
	})
	client := oauth2.NewClient(ctx, source)

	if err := trackUsage(ctx, client, base, *meterID); err != nil {
		log.Fatalf("Error tracking usage: %v", err)
	}
	fmt.Printf("Tracked one unit on meter %s\n", *meterID)
}

func requestDeviceCode(ctx context.Context, base, clientID string) (*authorizeResponse, error) {
	body, _ := json.Marshal(map[string]string{"clientId": clientID})
	resp, err := postJSON(ctx, http.DefaultClient, base+"/device/authorize", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("authorize returned %s", resp.Status)
	}

	var out authorizeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding authorize response: %w", err)
	}
	return &out, nil
}

func pollForToken(ctx context.Context, base string, authz *authorizeResponse) (*tokenResponse, error) {
	interval := time.Duration(authz.Interval) * time.Second
	if interval <= 0 {
		interval = 2 * time.Second
	}
	deadline := time.Now().Add(time.Duration(authz.ExpiresIn) * time.Second)
	body, _ := json.Marshal(map[string]string{"deviceCode": authz.DeviceCode})

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		resp, err := postJSON(ctx, http.DefaultClient, base+"/device/token", body)
		if err != nil {
			return nil, err
		}

		var tok tokenResponse
		err = json.NewDecoder(resp.Body).Decode(&tok)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("decoding token response: %w", err)
		}

		switch resp.StatusCode {
		case http.StatusOK:
			return &tok, nil
		case http.StatusAccepted:
			continue // authorization_pending
		case http.StatusForbidden:
			return nil, fmt.Errorf("authorization denied")
		case http.StatusGone:
			return nil, fmt.Errorf("device code expired")
		default:
			return nil, fmt.Errorf("token endpoint returned %s: %s", resp.Status, tok.Error)
		}
	}
	return nil, fmt.Errorf("device code expired before authorization")
}

func trackUsage(ctx context.Context, client *http.Client, base, meterID string) error {
	body, _ := json.Marshal(map[string]interface{}{"meterId": meterID, "count": 1})
	resp, err := postJSON(ctx, client, base+"/usage/track", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("track returned %s: %s", resp.Status, msg)
	}
	return nil
}

func postJSON(ctx context.Context, client *http.Client, url string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return client.Do(req)
}
