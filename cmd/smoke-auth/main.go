// Command smoke-auth runs an end-to-end check of the token lifecycle
// against a running API: credential exchange, refresh rotation, replay
// rejection, logout.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

type tokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func main() {
	base := os.Getenv("PARKGRID_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	email := os.Getenv("PARKGRID_SMOKE_EMAIL")
	password := os.Getenv("PARKGRID_SMOKE_PASSWORD")
	if email == "" || password == "" {
		log.Fatal("PARKGRID_SMOKE_EMAIL and PARKGRID_SMOKE_PASSWORD are required")
	}

	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(base + "/healthz")
	if err != nil || resp.StatusCode != http.StatusOK {
		log.Fatalf("healthz: err=%v status=%v", err, statusOf(resp))
	}
	resp.Body.Close()

	// Direct credential exchange.
	pair := postJSON[tokenPair](client, base+"/v1/token", map[string]string{
		"email":    email,
		"password": password,
	}, http.StatusOK)
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		log.Fatal("token exchange returned empty tokens")
	}

	// Rotation: first refresh succeeds.
	next := postJSON[tokenPair](client, base+"/v1/token/refresh", map[string]string{
		"refresh_token": pair.RefreshToken,
	}, http.StatusOK)
	if next.RefreshToken == pair.RefreshToken {
		log.Fatal("refresh token was not rotated")
	}

	// Replay of the spent token must be rejected with 400.
	postStatus(client, base+"/v1/token/refresh", map[string]string{
		"refresh_token": pair.RefreshToken,
	}, http.StatusBadRequest)

	// Logout with the fresh access token.
	req, err := http.NewRequest(http.MethodPost, base+"/v1/logout", bytes.NewReader(nil))
	if err != nil {
		log.Fatalf("logout request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+next.AccessToken)
	resp, err = client.Do(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		log.Fatalf("logout: err=%v status=%v", err, statusOf(resp))
	}
	resp.Body.Close()

	fmt.Println("✅ auth smoke test passed")
}

func postJSON[T any](client *http.Client, url string, body any, wantStatus int) T {
	var out T
	resp := doPost(client, url, body)
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		log.Fatalf("%s: expected %d, got %d", url, wantStatus, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		log.Fatalf("%s: decode response: %v", url, err)
	}
	return out
}

func postStatus(client *http.Client, url string, body any, wantStatus int) {
	resp := doPost(client, url, body)
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		log.Fatalf("%s: expected %d, got %d", url, wantStatus, resp.StatusCode)
	}
}

func doPost(client *http.Client, url string, body any) *http.Response {
	payload, err := json.Marshal(body)
	if err != nil {
		log.Fatalf("marshal body: %v", err)
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		log.Fatalf("%s: %v", url, err)
	}
	return resp
}

func statusOf(resp *http.Response) any {
	if resp == nil {
		return "no response"
	}
	return resp.StatusCode
}
