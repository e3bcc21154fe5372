package game

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// Guess is one word picked for a clue, with the model's reasoning.
type Guess struct {
	Word   string `json:"word"`
	Reason string `json:"reason"`
}

// Guesser interprets a clue against the words still face down. It returns
// up to clue.Count guesses, most relevant first.
type Guesser interface {
	Guess(ctx context.Context, model ModelID, candidates []string, clue Clue) ([]Guess, error)
}

// RandomGuesser picks words at random. It stands in for a model when none
// is configured.
type RandomGuesser struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandomGuesser(rng *rand.Rand) *RandomGuesser {
	return &RandomGuesser{rng: rng}
}

func (r *RandomGuesser) Guess(ctx context.Context, model ModelID, candidates []string, clue Clue) ([]Guess, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	picked := append([]string(nil), candidates...)

	r.mu.Lock()
	r.rng.Shuffle(len(picked), func(i, j int) {
		picked[i], picked[j] = picked[j], picked[i]
	})
	r.mu.Unlock()

	if clue.Count < len(picked) {
		picked = picked[:clue.Count]
	}

	guesses := make([]Guess, 0, len(picked))
	for _, word := range picked {
		guesses = append(guesses, Guess{
			Word:   word,
			Reason: fmt.Sprintf("%s picked %q at random for %q", model, word, clue.Word),
		})
	}

	return guesses, nil
}

// HTTPGuesser asks an external service to interpret clues. The service
// receives {"model","clue","count","words"} and answers
// {"words":[{"word","reason"}, ...]}.
type HTTPGuesser struct {
	URL    string
	Client *http.Client
}

func NewHTTPGuesser(url string, timeout time.Duration) *HTTPGuesser {
	return &HTTPGuesser{
		URL:    url,
		Client: &http.Client{Timeout: timeout},
	}
}

type guessRequest struct {
	Model ModelID  `json:"model"`
	Clue  string   `json:"clue"`
	Count int      `json:"count"`
	Words []string `json:"words"`
}

func (h *HTTPGuesser) Guess(ctx context.Context, model ModelID, candidates []string, clue Clue) ([]Guess, error) {
	if clue.Count < 1 {
		return nil, nil
	}

	body, err := json.Marshal(guessRequest{
		Model: model,
		Clue:  clue.Word,
		Count: clue.Count,
		Words: candidates,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := h.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("guesser request failed: %w", err)
	}

	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("guesser responded %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("guesser responded with invalid JSON")
	}

	words := gjson.GetBytes(raw, "words")
	if !words.IsArray() {
		return nil, fmt.Errorf("guesser response has no words array")
	}

	guesses := make([]Guess, 0, clue.Count)
	words.ForEach(func(_, w gjson.Result) bool {
		guesses = append(guesses, Guess{
			Word:   w.Get("word").String(),
			Reason: w.Get("reason").String(),
		})

		return len(guesses) < clue.Count
	})

	return guesses, nil
}

var (
	_ Guesser = (*RandomGuesser)(nil)
	_ Guesser = (*HTTPGuesser)(nil)
)
