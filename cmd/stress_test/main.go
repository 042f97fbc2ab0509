package main

import (
	"flag"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
)

type decrementRequest struct {
	Amount   int64  `json:"amount"`
	Strategy string `json:"strategy,omitempty"`
}

type decrementResponse struct {
	Success  bool   `json:"success"`
	Quantity int64  `json:"quantity"`
	Failure  string `json:"failure"`
	Message  string `json:"message"`
}

type stockResponse struct {
	ID       string `json:"id"`
	Quantity int64  `json:"quantity"`
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "server base URL")
	stockID := flag.String("id", "1", "stock id to decrement")
	totalRequests := flag.Int("requests", 50, "number of concurrent requests")
	amount := flag.Int64("amount", 1, "amount per request")
	strategy := flag.String("strategy", "", "lock strategy (empty for the server default)")
	flag.Parse()

	client := resty.New().
		SetBaseURL(*baseURL).
		SetTimeout(30 * time.Second)

	initialStock, err := quantity(client, *stockID)
	if err != nil {
		log.Fatalf("failed to read initial stock: %v", err)
	}

	// Counters
	var successCount atomic.Int32
	var errorCount atomic.Int32
	var mu sync.Mutex
	failures := make(map[string]int)

	// Spawn concurrent requests
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *totalRequests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			var out decrementResponse
			_, err := client.R().
				SetBody(decrementRequest{Amount: *amount, Strategy: *strategy}).
				SetResult(&out).
				SetError(&out).
				SetPathParam("id", *stockID).
				Post("/api/v1/stock/{id}/decrement")
			if err != nil {
				errorCount.Add(1)
				return
			}
			if out.Success {
				successCount.Add(1)
				return
			}
			mu.Lock()
			failures[out.Failure]++
			mu.Unlock()
		}()
	}

	wg.Wait()
	elapsed := time.Since(start)

	finalStock, err := quantity(client, *stockID)
	if err != nil {
		log.Fatalf("failed to read final stock: %v", err)
	}

	// Results
	success := int64(successCount.Load())

	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Strategy:         %s\n", orDefault(*strategy))
	fmt.Printf("Initial Stock:    %d\n", initialStock)
	fmt.Printf("Total Requests:   %d\n", *totalRequests)
	fmt.Printf("Successful:       %d\n", success)
	for _, kind := range sortedKeys(failures) {
		fmt.Printf("  %-16s%d\n", kind+":", failures[kind])
	}
	fmt.Printf("Transport Errors: %d\n", errorCount.Load())
	fmt.Printf("Final Stock:      %d\n", finalStock)
	fmt.Printf("Duration:         %v\n", elapsed)
	fmt.Println("==========================================")

	// Assertions
	if finalStock < 0 {
		fmt.Printf("FAIL: stock went negative (%d)\n", finalStock)
	} else if want := initialStock - success*(*amount); finalStock != want {
		fmt.Printf("FAIL: %d successes should leave %d, got %d (lost updates)\n", success, want, finalStock)
	} else {
		fmt.Println("PASS: final stock matches successful decrements")
	}
}

func quantity(client *resty.Client, id string) (int64, error) {
	var out stockResponse
	resp, err := client.R().
		SetResult(&out).
		SetPathParam("id", id).
		Get("/api/v1/stock/{id}")
	if err != nil {
		return 0, err
	}
	if resp.IsError() {
		return 0, fmt.Errorf("GET stock %s: %s", id, resp.Status())
	}
	return out.Quantity, nil
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func orDefault(s string) string {
	if s == "" {
		return "(server default)"
	}
	return s
}
