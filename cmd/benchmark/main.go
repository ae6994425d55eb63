// Benchmark tool for testing Harrier against synthetic coupon-fraud data.
//
// Usage:
//   go run cmd/benchmark/main.go -url http://localhost:8080 -customers 5000
//
// This tool:
//   1. Generates synthetic claims, payments, redemptions, and payouts with a
//      known fraud rate (customers holding a prior channel payment)
//   2. Bulk-ingests the data through the /sources endpoints
//   3. Triggers a detection run and fetches the report
//   4. Compares flagged customers with the seeded ground truth and
//      calculates precision, recall, F1-score, and a confusion matrix
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"time"
)

const (
	channelDelivery = "CH-DELIVERY"
	channelMO       = "CH-MO"
)

// seededCustomer is one generated customer with its ground-truth label.
type seededCustomer struct {
	ID           string
	CampaignID   string
	ClaimedAt    time.Time
	PriorChannel string // "", "Delivery", "MO", or "Both Channels"
}

type claim struct {
	CustomerID     string  `json:"customerId"`
	CampaignID     string  `json:"campaignId"`
	ClaimedAt      string  `json:"claimedAt"`
	CashbackAmount float64 `json:"cashbackAmount"`
}

type payment struct {
	TxnID        string `json:"txnId"`
	CustomerID   string `json:"customerId"`
	ChannelID    string `json:"channelId"`
	CustomerType string `json:"customerType"`
	TxnState     string `json:"txnState"`
	PaidAt       string `json:"paidAt"`
}

type rewardGrant struct {
	GrantID    string  `json:"grantId"`
	CustomerID string  `json:"customerId"`
	EventKey   string  `json:"eventKey"`
	TxnID      string  `json:"txnId"`
	TxnAmount  float64 `json:"txnAmount"`
	CreatedAt  string  `json:"createdAt"`
}

type promoEvent struct {
	EventKey   string `json:"eventKey"`
	CampaignID string `json:"campaignId"`
	CreatedAt  string `json:"createdAt"`
}

type payout struct {
	OrderID      string          `json:"orderId"`
	CreatedAt    string          `json:"createdAt"`
	TaxRate      float64         `json:"taxRate"`
	FeeBreakdown json.RawMessage `json:"feeBreakdown,omitempty"`
}

type reportRow struct {
	UserID           string `json:"user_id"`
	IncorrectChannel string `json:"incorrectly_claimed_channel"`
}

// Metrics tracks benchmark results.
type Metrics struct {
	TruePositives  int // Seeded fraud flagged in the report
	FalsePositives int // Clean customer flagged in the report
	TrueNegatives  int // Clean customer absent from the report
	FalseNegatives int // Seeded fraud missing from the report (missed!)
	ChannelMatches int // Flagged rows with the exact expected channel
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Harrier base URL")
	customers := flag.Int("customers", 1000, "Number of synthetic customers")
	fraudRate := flag.Float64("fraud-rate", 0.2, "Fraction of customers with a disqualifying prior payment")
	seed := flag.Int64("seed", 42, "Random seed for reproducible data")
	batchSize := flag.Int("batch", 500, "Ingestion batch size")
	verbose := flag.Bool("verbose", false, "Print each mismatch")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║        HARRIER BENCHMARK - Synthetic Coupon Fraud             ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nHarrier URL: %s\n", *baseURL)
	fmt.Printf("Customers:   %d\n", *customers)
	fmt.Printf("Fraud Rate:  %.2f\n", *fraudRate)
	fmt.Printf("Seed:        %d\n", *seed)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Harrier not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Harrier is running:")
		fmt.Println("  go run cmd/harrier/main.go serve")
		os.Exit(1)
	}
	fmt.Println("✓ Harrier is healthy")

	now := time.Now().UTC()
	rng := rand.New(rand.NewSource(*seed))

	seeded, claims, payments, grants, events, payouts := generate(rng, now, *customers, *fraudRate)
	fraudCount := 0
	for _, c := range seeded {
		if c.PriorChannel != "" {
			fraudCount++
		}
	}
	fmt.Printf("✓ Generated %d customers (%d seeded fraud, %.2f%%)\n",
		len(seeded), fraudCount, 100*float64(fraudCount)/float64(len(seeded)))

	client := &http.Client{Timeout: 60 * time.Second}

	start := time.Now()
	ingest(client, *baseURL, "/sources/claims", claims, *batchSize)
	ingest(client, *baseURL, "/sources/payments", payments, *batchSize)
	ingest(client, *baseURL, "/sources/reward-grants", grants, *batchSize)
	ingest(client, *baseURL, "/sources/promo-events", events, *batchSize)
	ingest(client, *baseURL, "/sources/payouts", payouts, *batchSize)
	fmt.Printf("✓ Ingested all sources in %s\n", time.Since(start).Round(time.Millisecond))

	runStart := time.Now()
	runID, err := triggerRun(client, *baseURL, now)
	if err != nil {
		fmt.Printf("ERROR: run failed: %v\n", err)
		os.Exit(1)
	}
	runDuration := time.Since(runStart)
	fmt.Printf("✓ Run %s completed in %s\n", runID, runDuration.Round(time.Millisecond))

	flagged, err := fetchReport(client, *baseURL, runID)
	if err != nil {
		fmt.Printf("ERROR: failed to fetch report: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Report contains %d flagged customers\n", len(flagged))

	metrics := score(seeded, flagged, *verbose)
	printResults(metrics, runDuration)
}

// generate builds the synthetic source data. Every customer claims one
// coupon and redeems it; fraudulent customers additionally hold a prior
// payment on one or both tracked channels inside the correlation window.
func generate(rng *rand.Rand, now time.Time, customers int, fraudRate float64) ([]seededCustomer, []claim, []payment, []rewardGrant, []promoEvent, []payout) {
	campaigns := []string{"CAMP-001", "CAMP-002", "CAMP-003"}

	seeded := make([]seededCustomer, 0, customers)
	var claims []claim
	var payments []payment
	var grants []rewardGrant
	var events []promoEvent
	var payouts []payout

	for i := 0; i < customers; i++ {
		id := fmt.Sprintf("user-%05d", i)
		campaignID := campaigns[rng.Intn(len(campaigns))]
		claimedAt := now.AddDate(0, 0, -rng.Intn(200)-30)

		cust := seededCustomer{ID: id, CampaignID: campaignID, ClaimedAt: claimedAt}

		claims = append(claims, claim{
			CustomerID:     id,
			CampaignID:     campaignID,
			ClaimedAt:      claimedAt.Format(time.RFC3339),
			CashbackAmount: float64(rng.Intn(50)) + 5,
		})

		if rng.Float64() < fraudRate {
			// Prior payment inside the correlation window
			channels := pickChannels(rng)
			cust.PriorChannel = channelLabel(channels)
			for _, ch := range channels {
				paidAt := claimedAt.AddDate(0, 0, -rng.Intn(300)-1)
				payments = append(payments, payment{
					TxnID:        fmt.Sprintf("pay-%05d-%s", i, ch),
					CustomerID:   id,
					ChannelID:    ch,
					CustomerType: "INDIVIDUAL",
					TxnState:     "COMPLETED",
					PaidAt:       paidAt.Format(time.RFC3339),
				})
			}
		} else if rng.Float64() < 0.3 {
			// Noise: payment after the claim, which must not disqualify
			paidAt := claimedAt.AddDate(0, 0, rng.Intn(20)+1)
			payments = append(payments, payment{
				TxnID:        fmt.Sprintf("pay-%05d-post", i),
				CustomerID:   id,
				ChannelID:    channelDelivery,
				CustomerType: "INDIVIDUAL",
				TxnState:     "COMPLETED",
				PaidAt:       paidAt.Format(time.RFC3339),
			})
		}

		// Redemption: promo event joined to a reward grant
		eventKey := fmt.Sprintf("%d", 100000+i)
		redemptionTxn := fmt.Sprintf("%d", 900000+i)
		redeemedAt := claimedAt.AddDate(0, 0, rng.Intn(10)+1)

		events = append(events, promoEvent{
			EventKey:   eventKey,
			CampaignID: campaignID,
			CreatedAt:  redeemedAt.Format(time.RFC3339),
		})
		grants = append(grants, rewardGrant{
			GrantID:    fmt.Sprintf("grant-%05d", i),
			CustomerID: id,
			EventKey:   eventKey,
			TxnID:      redemptionTxn,
			TxnAmount:  float64(rng.Intn(100)) + 10,
			CreatedAt:  redeemedAt.Format(time.RFC3339),
		})

		// Payout with a PLC fee breakdown for half the redemptions
		if rng.Float64() < 0.5 {
			fee := fmt.Sprintf(`[{"fee_type":"PLC","commission_rate":0.02,"fee_eligible_amount":%d,"commission_amount":%.2f,"tax_amount":%.2f}]`,
				rng.Intn(100)+10, rng.Float64()*2, rng.Float64())
			payouts = append(payouts, payout{
				OrderID:      redemptionTxn,
				CreatedAt:    redeemedAt.Format(time.RFC3339),
				TaxRate:      0.1,
				FeeBreakdown: json.RawMessage(fee),
			})
		}

		seeded = append(seeded, cust)
	}

	return seeded, claims, payments, grants, events, payouts
}

func pickChannels(rng *rand.Rand) []string {
	switch rng.Intn(3) {
	case 0:
		return []string{channelDelivery}
	case 1:
		return []string{channelMO}
	default:
		return []string{channelDelivery, channelMO}
	}
}

func channelLabel(channels []string) string {
	if len(channels) == 2 {
		return "Both Channels"
	}
	if channels[0] == channelDelivery {
		return "Delivery"
	}
	return "MO"
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func ingest[T any](client *http.Client, baseURL, path string, rows []T, batchSize int) {
	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		body, _ := json.Marshal(rows[start:end])
		resp, err := client.Post(baseURL+path, "application/json", bytes.NewReader(body))
		if err != nil {
			fmt.Printf("ERROR: ingest %s failed: %v\n", path, err)
			os.Exit(1)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			fmt.Printf("ERROR: ingest %s failed: status %d\n", path, resp.StatusCode)
			os.Exit(1)
		}
	}
}

func triggerRun(client *http.Client, baseURL string, now time.Time) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"referenceNow": now.Format(time.RFC3339),
		"campaigns":    []string{"CAMP-001", "CAMP-002", "CAMP-003"},
	})
	resp, err := client.Post(baseURL+"/runs", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var run struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		return "", err
	}
	if run.Status != "COMPLETED" {
		return run.ID, fmt.Errorf("run finished with status %s: %s", run.Status, run.Error)
	}
	return run.ID, nil
}

// fetchReport pages through the report and returns the flagged channel per
// customer.
func fetchReport(client *http.Client, baseURL, runID string) (map[string]string, error) {
	flagged := make(map[string]string)
	const pageSize = 500

	for offset := 0; ; offset += pageSize {
		url := fmt.Sprintf("%s/runs/%s/report?offset=%d&limit=%d", baseURL, runID, offset, pageSize)
		resp, err := client.Get(url)
		if err != nil {
			return nil, err
		}

		var page struct {
			Count int         `json:"count"`
			Rows  []reportRow `json:"rows"`
		}
		err = json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}

		for _, row := range page.Rows {
			flagged[row.UserID] = row.IncorrectChannel
		}
		if page.Count < pageSize {
			break
		}
	}

	return flagged, nil
}

func score(seeded []seededCustomer, flagged map[string]string, verbose bool) *Metrics {
	m := &Metrics{}
	for _, c := range seeded {
		channel, isFlagged := flagged[c.ID]
		switch {
		case c.PriorChannel != "" && isFlagged:
			m.TruePositives++
			if channel == c.PriorChannel {
				m.ChannelMatches++
			} else if verbose {
				fmt.Printf("CHANNEL MISMATCH: %s expected %q got %q\n", c.ID, c.PriorChannel, channel)
			}
		case c.PriorChannel != "" && !isFlagged:
			m.FalseNegatives++
			if verbose {
				fmt.Printf("MISSED: %s (%s)\n", c.ID, c.PriorChannel)
			}
		case c.PriorChannel == "" && isFlagged:
			m.FalsePositives++
			if verbose {
				fmt.Printf("FALSE FLAG: %s as %q\n", c.ID, channel)
			}
		default:
			m.TrueNegatives++
		}
	}
	return m
}

func printResults(m *Metrics, runDuration time.Duration) {
	precision := 0.0
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	recall := 0.0
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}
	f1 := 0.0
	if precision+recall > 0 {
		f1 = 2 * precision * recall / (precision + recall)
	}

	fmt.Println("\n═══════════════════════ RESULTS ═══════════════════════")
	fmt.Printf("Run duration:     %s\n", runDuration.Round(time.Millisecond))
	fmt.Println("\nConfusion Matrix:")
	fmt.Printf("  True Positives:   %6d\n", m.TruePositives)
	fmt.Printf("  False Positives:  %6d\n", m.FalsePositives)
	fmt.Printf("  True Negatives:   %6d\n", m.TrueNegatives)
	fmt.Printf("  False Negatives:  %6d\n", m.FalseNegatives)
	fmt.Println()
	fmt.Printf("  Precision:        %.4f\n", precision)
	fmt.Printf("  Recall:           %.4f\n", recall)
	fmt.Printf("  F1 Score:         %.4f\n", f1)
	if m.TruePositives > 0 {
		fmt.Printf("  Channel Accuracy: %.4f\n", float64(m.ChannelMatches)/float64(m.TruePositives))
	}
	fmt.Println("═══════════════════════════════════════════════════════")
}
