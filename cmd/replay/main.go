package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	stripewebhook "github.com/stripe/stripe-go/v74/webhook"
)

// counters collects delivery outcomes across workers.
type counters struct {
	total      uint64
	processed  uint64 // 200, side effects applied
	duplicates uint64 // 200, already processed
	inFlight   uint64 // 409, claimed by a concurrent delivery
	rejected   uint64 // 400
	failed     uint64
}

type options struct {
	targetURL   string
	secret      string
	workers     int
	duration    time.Duration
	events      int
	campaignID  string
	amount      int64
	giftAidRate float64
}

func main() {
	opts := options{}
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Fire signed, duplicated webhook deliveries at the API and report outcomes",
		Long: "replay sends payment_intent.succeeded events drawn from a small pool of event ids, " +
			"so most deliveries are duplicates racing each other. A healthy server reports " +
			"exactly one processed delivery per event id.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.targetURL, "url", "http://localhost:8080", "API base URL")
	f.StringVar(&opts.secret, "secret", os.Getenv("STRIPE_WEBHOOK_SECRET"), "Webhook signing secret")
	f.IntVarP(&opts.workers, "workers", "w", 10, "Number of concurrent workers")
	f.DurationVarP(&opts.duration, "duration", "d", 10*time.Second, "Test duration")
	f.IntVar(&opts.events, "events", 50, "Distinct event ids in the pool")
	f.StringVar(&opts.campaignID, "campaign", "camp_0001", "Campaign credited by every event")
	f.Int64Var(&opts.amount, "amount", 5000, "Donation amount in minor units")
	f.Float64Var(&opts.giftAidRate, "gift-aid-rate", 0.5, "Share of events flagged for Gift Aid")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(opts options) error {
	if opts.secret == "" {
		return fmt.Errorf("a webhook secret is required (--secret or STRIPE_WEBHOOK_SECRET)")
	}
	if opts.events <= 0 || opts.workers <= 0 {
		return fmt.Errorf("--events and --workers must be positive")
	}

	// Event bodies are fixed per id so every redelivery is byte-identical.
	runID := time.Now().UnixNano()
	pool := make([][]byte, opts.events)
	for i := range pool {
		body, err := eventBody(opts, runID, i)
		if err != nil {
			return err
		}
		pool[i] = body
	}

	var c counters
	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(opts.workers)
	for i := 0; i < opts.workers; i++ {
		go worker(&wg, opts, pool, start, &c)
	}
	wg.Wait()

	return printResults(opts, time.Since(start), &c)
}

func eventBody(opts options, runID int64, i int) ([]byte, error) {
	giftAid := float64(i)/float64(opts.events) < opts.giftAidRate
	return json.Marshal(map[string]any{
		"id":     fmt.Sprintf("evt_replay_%d_%d", runID, i),
		"object": "event",
		"type":   "payment_intent.succeeded",
		"data": map[string]any{"object": map[string]any{
			"id":              fmt.Sprintf("pi_replay_%d_%d", runID, i),
			"object":          "payment_intent",
			"amount":          opts.amount,
			"amount_received": opts.amount,
			"currency":        "gbp",
			"created":         time.Now().Unix(),
			"metadata": map[string]string{
				"campaignId":        opts.campaignID,
				"donorName":         "Replay Donor",
				"isGiftAid":         fmt.Sprint(giftAid),
				"donorFirstName":    "Replay",
				"donorSurname":      "Donor",
				"donorHouseNumber":  "1",
				"donorAddressLine1": "High Street",
				"donorTown":         "Leeds",
				"donorPostcode":     "LS1 1AA",
				"isTaxpayer":        "true",
			},
		}},
	})
}

func worker(wg *sync.WaitGroup, opts options, pool [][]byte, start time.Time, c *counters) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < opts.duration {
		body := pool[rand.Intn(len(pool))]
		now := time.Now()
		sig := fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(stripewebhook.ComputeSignature(now, body, opts.secret)))

		req, _ := http.NewRequest("POST", opts.targetURL+"/webhooks/stripe", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Stripe-Signature", sig)

		resp, err := client.Do(req)
		if err != nil {
			atomic.AddUint64(&c.failed, 1)
			continue
		}

		atomic.AddUint64(&c.total, 1)
		switch resp.StatusCode {
		case http.StatusOK:
			var out struct {
				Outcome string `json:"outcome"`
			}
			json.NewDecoder(resp.Body).Decode(&out)
			if out.Outcome == "duplicate" {
				atomic.AddUint64(&c.duplicates, 1)
			} else {
				atomic.AddUint64(&c.processed, 1)
			}
		case http.StatusConflict:
			atomic.AddUint64(&c.inFlight, 1)
		case http.StatusBadRequest:
			atomic.AddUint64(&c.rejected, 1)
		default:
			atomic.AddUint64(&c.failed, 1)
		}
		resp.Body.Close()
	}
}

func printResults(opts options, d time.Duration, c *counters) error {
	total := atomic.LoadUint64(&c.total)
	processed := atomic.LoadUint64(&c.processed)

	results := map[string]any{
		"duration_sec":    d.Seconds(),
		"event_pool":      opts.events,
		"total_requests":  total,
		"throughput_rps":  float64(total) / d.Seconds(),
		"processed":       processed,
		"duplicates":      atomic.LoadUint64(&c.duplicates),
		"in_flight":       atomic.LoadUint64(&c.inFlight),
		"rejected":        atomic.LoadUint64(&c.rejected),
		"errors":          atomic.LoadUint64(&c.failed),
		"exactly_once_ok": processed <= uint64(opts.events),
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(results)
}
