// Simulates one signed Zalo webhook push against a locally running gateway.
// The signature is computed the way Zalo does it, so the full ingress path
// (signature check, pipeline, AI dispatch) is exercised end to end.
//
// Usage: GATEWAY_URL=http://localhost:8080 ZALO_OA_SECRET=... go run scripts/simulate_webhook.go
package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

func main() {
	base := os.Getenv("GATEWAY_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	secret := os.Getenv("ZALO_OA_SECRET")
	if secret == "" {
		secret = "dev-secret"
	}

	fmt.Println("🤖 Webhook Simulator: Zalo user_send_text")
	fmt.Printf("📡 Target gateway: %s\n", base)

	event := map[string]interface{}{
		"event_name": "user_send_text",
		"timestamp":  fmt.Sprintf("%d", time.Now().UnixMilli()),
		"sender":     map[string]string{"id": "sim-user-001"},
		"message": map[string]string{
			"text":   "Hello from the simulator, what can you do?",
			"msg_id": fmt.Sprintf("sim-%d", time.Now().UnixNano()),
		},
	}
	body, err := json.Marshal(event)
	if err != nil {
		log.Fatalf("❌ Marshal failed: %v", err)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	signature := "mac=" + hex.EncodeToString(mac.Sum(nil))

	fmt.Println("\n🤔 Event built, signing with ZALO_OA_SECRET...")
	fmt.Println("⏳ Posting to /webhook/zalo ...")

	req, err := http.NewRequest(http.MethodPost, base+"/webhook/zalo", bytes.NewReader(body))
	if err != nil {
		log.Fatalf("❌ Request build failed: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-ZEvent-Signature", signature)

	resp, err := (&http.Client{Timeout: 10 * time.Second}).Do(req)
	if err != nil {
		log.Fatalf("❌ Gateway unreachable: %v", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	fmt.Printf("\n🎟️  Gateway answered: %d %s\n", resp.StatusCode, string(respBody))

	if resp.StatusCode == http.StatusOK {
		fmt.Println("✅ Message accepted; the reply goes out through the Zalo OA API.")
		fmt.Println("   Watch the gateway logs (or the admin SSE stream) to follow it.")
	} else {
		fmt.Println("❌ Message rejected. Check the secret and the adapter state.")
	}
}
