// searchcheck runs one query against the configured search provider and
// prints the hits. Handy for verifying credentials and connectivity without
// starting the full service.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/answerloop/answerloop/internal/search"
)

func main() {
	base := os.Getenv("SEARCH_BASE_URL")
	key := os.Getenv("SEARCH_API_KEY")
	q := "What is love?"
	if len(os.Args) > 1 {
		q = os.Args[1]
	}
	prov := &search.Serper{
		BaseURL:    base,
		APIKey:     key,
		HTTPClient: &http.Client{Timeout: 20 * time.Second},
		UserAgent:  "searchcheck/1.0",
	}
	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer cancel()
	res, err := prov.Search(ctx, q, 5)
	if err != nil {
		fmt.Fprintln(os.Stderr, "err:", err)
		os.Exit(1)
	}
	for i, r := range res {
		fmt.Printf("%d. %s - %s\n", i+1, r.Title, r.URL)
	}
}
