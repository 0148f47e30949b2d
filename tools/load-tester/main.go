package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

type event struct {
	EventID    string         `json:"eventId"`
	SessionID  string         `json:"sessionId"`
	RunID      string         `json:"runId,omitempty"`
	OrgID      string         `json:"orgId"`
	Type       string         `json:"type"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

var models = []string{"claude-sonnet", "claude-haiku", "claude-opus"}

// sessionScript generates one plausible agent session: start, a few runs with
// messages and an occasional handoff, then end. Events are spaced a few
// hundred milliseconds apart in occurrence time.
func sessionScript(orgID string) []event {
	sessionID := uuid.NewString()
	at := time.Now().UTC().Add(-time.Duration(gofakeit.Number(1, 3600)) * time.Second)
	agent := gofakeit.Username()

	var events []event
	add := func(typ, runID string, payload map[string]any) {
		at = at.Add(time.Duration(gofakeit.Number(50, 800)) * time.Millisecond)
		events = append(events, event{
			EventID:    uuid.NewString(),
			SessionID:  sessionID,
			RunID:      runID,
			OrgID:      orgID,
			Type:       typ,
			Payload:    payload,
			OccurredAt: at,
		})
	}

	add("session-started", "", map[string]any{"agent": agent, "model": gofakeit.RandomString(models)})
	for range gofakeit.Number(1, 4) {
		runID := uuid.NewString()
		add("run-started", runID, map[string]any{"model": gofakeit.RandomString(models)})
		for range gofakeit.Number(0, 5) {
			add("message-sent", "", map[string]any{"role": gofakeit.RandomString([]string{"user", "assistant"})})
		}
		if gofakeit.Bool() {
			next := gofakeit.Username()
			add("session-handoff", "", map[string]any{"fromAgent": agent, "toAgent": next, "reason": gofakeit.HackerPhrase()})
			agent = next
		}
		outcome := map[string]any{
			"cost":       gofakeit.Number(1, 5000),
			"tokens":     gofakeit.Number(100, 200000),
			"durationMs": gofakeit.Number(200, 120000),
		}
		if gofakeit.Float64() < 0.1 {
			outcome["error"] = gofakeit.Error().Error()
			add("run-failed", runID, outcome)
		} else {
			add("run-completed", runID, outcome)
		}
	}
	add("session-ended", "", map[string]any{"reason": "completed"})
	return events
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Base URL of the ingest service")
	apiKey := flag.String("api-key", "", "API key sent in X-API-Key; empty sends none")
	orgs := flag.Int("orgs", 3, "Number of distinct orgs to spread sessions over")
	concurrency := flag.Int("c", 10, "Number of concurrent workers")
	duration := flag.Duration("d", 30*time.Second, "Duration of the load test")
	rps := flag.Int("rps", 500, "Requests per second limit")
	redeliver := flag.Float64("redeliver", 0.05, "Fraction of events sent twice to exercise deduplication")
	shuffle := flag.Bool("shuffle", false, "Send each session's events out of order")
	seed := flag.Int64("seed", 0, "Faker seed; zero picks a random one")
	flag.Parse()

	gofakeit.Seed(*seed)
	orgIDs := make([]string, *orgs)
	for i := range orgIDs {
		orgIDs[i] = "org-" + gofakeit.LetterN(6)
	}

	log.Printf("Starting load test on %s", *baseURL)
	log.Printf("Concurrency: %d, Duration: %s, RPS: %d, Orgs: %d", *concurrency, *duration, *rps, *orgs)

	var wg sync.WaitGroup
	var acceptedCount, duplicateCount, errorCount, sessions atomic.Int64
	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	limiter := rate.NewLimiter(rate.Limit(*rps), 100) // Allow bursts up to 100
	client := &http.Client{Timeout: 5 * time.Second}

	send := func(ev event) {
		body, err := json.Marshal(ev)
		if err != nil {
			errorCount.Add(1)
			return
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, *baseURL+"/events", bytes.NewReader(body))
		if err != nil {
			errorCount.Add(1)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		if *apiKey != "" {
			req.Header.Set("X-API-Key", *apiKey)
		}

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() == nil {
				errorCount.Add(1)
			}
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusAccepted {
			errorCount.Add(1)
			return
		}
		var res struct {
			Duplicate bool `json:"duplicate"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&res); err == nil && res.Duplicate {
			duplicateCount.Add(1)
			return
		}
		acceptedCount.Add(1)
	}

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(*seed + int64(workerID)))
			for ctx.Err() == nil {
				script := sessionScript(orgIDs[rng.Intn(len(orgIDs))])
				if *shuffle {
					rng.Shuffle(len(script), func(a, b int) { script[a], script[b] = script[b], script[a] })
				}
				for _, ev := range script {
					if err := limiter.Wait(ctx); err != nil {
						return
					}
					send(ev)
					if rng.Float64() < *redeliver {
						send(ev)
					}
				}
				sessions.Add(1)
			}
		}(i)
	}

	wg.Wait()

	totalRequests := acceptedCount.Load() + duplicateCount.Load() + errorCount.Load()
	actualRPS := float64(totalRequests) / duration.Seconds()

	log.Println("Load test finished.")
	log.Printf("Sessions Completed: %d", sessions.Load())
	log.Printf("Total Requests: %d", totalRequests)
	log.Printf("Accepted: %d", acceptedCount.Load())
	log.Printf("Duplicates: %d", duplicateCount.Load())
	log.Printf("Errors: %d", errorCount.Load())
	log.Printf("Actual RPS: %.2f", actualRPS)
}
