// Command smoke checks a running deployment end to end: gRPC health, the
// gate on an anonymous request, sign-in and the caller's entitlements.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/cookiejar"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	log.SetFlags(0)
	var (
		baseURL  = getenv("IDASH_SMOKE_URL", "http://localhost:8080")
		grpcAddr = getenv("IDASH_SMOKE_GRPC_ADDR", "localhost:9090")
		email    = os.Getenv("IDASH_BOOTSTRAP_EMAIL")
		password = os.Getenv("IDASH_BOOTSTRAP_PASSWORD")
	)
	if email == "" || password == "" {
		log.Fatal("IDASH_BOOTSTRAP_EMAIL and IDASH_BOOTSTRAP_PASSWORD are required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := checkHealth(ctx, grpcAddr); err != nil {
		log.Fatalf("grpc health at %s: %v", grpcAddr, err)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		log.Fatalf("cookie jar: %v", err)
	}
	client := &http.Client{
		Jar:     jar,
		Timeout: 5 * time.Second,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Get(baseURL + "/dashboard")
	if err != nil {
		log.Fatalf("anonymous dashboard: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusTemporaryRedirect {
		log.Fatalf("anonymous dashboard: expected 307, got %d", resp.StatusCode)
	}

	body, _ := json.Marshal(map[string]string{"email": email, "password": password})
	resp, err = client.Post(baseURL+"/api/auth/signin", "application/json", bytes.NewReader(body))
	if err != nil {
		log.Fatalf("sign in: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		log.Fatalf("sign in: status %d", resp.StatusCode)
	}

	var sub struct {
		Plan     string `json:"plan_type"`
		Features []struct {
			Name string `json:"feature_name"`
		} `json:"features"`
	}
	if err := getJSON(client, baseURL+"/api/subscription", &sub); err != nil {
		log.Fatalf("subscription: %v", err)
	}
	if sub.Plan == "" || len(sub.Features) == 0 {
		log.Fatalf("subscription: empty entitlements %+v", sub)
	}

	var ent struct {
		Enabled bool `json:"enabled"`
		Usage   int  `json:"usage_count"`
	}
	if err := getJSON(client, baseURL+"/api/entitlements/dashboards", &ent); err != nil {
		log.Fatalf("entitlement: %v", err)
	}

	fmt.Printf("smoke test passed: plan=%s features=%d dashboards_enabled=%t usage=%d\n",
		sub.Plan, len(sub.Features), ent.Enabled, ent.Usage)
}

func checkHealth(ctx context.Context, addr string) error {
	conn, err := grpc.DialContext(ctx, addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: "insightdash-api"})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("status %s", resp.GetStatus())
	}
	return nil
}

func getJSON(client *http.Client, url string, dst any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}
