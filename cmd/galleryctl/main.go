// galleryctl is an operator tool for the face gallery: enroll or refresh a
// customer embedding, or run a one-off similarity query against the live
// collection.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/technosupport/trinetra/internal/config"
	"github.com/technosupport/trinetra/internal/events"
	"github.com/technosupport/trinetra/internal/resolver"
)

func main() {
	enroll := flag.String("enroll", "", "customer id to enroll or refresh")
	vip := flag.Bool("vip", false, "flag the enrolled customer as VIP")
	query := flag.Bool("query", false, "run a similarity query instead of enrolling")
	embeddingPath := flag.String("embedding", "", "path to a JSON array of 512 floats")
	topK := flag.Int("k", 5, "query result count")
	flag.Parse()

	if *embeddingPath == "" || (*enroll == "" && !*query) {
		flag.Usage()
		os.Exit(2)
	}

	embedding, err := loadEmbedding(*embeddingPath)
	if err != nil {
		log.Fatalf("Embedding error: %v", err)
	}

	cfg := config.ResolverFromEnv()
	search := resolver.NewQdrantSearch(cfg.SimSearchURL, cfg.SimSearchAPIKey, cfg.Collection)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if *query {
		hits, err := search.TopK(ctx, embedding, *topK, 128)
		if err != nil {
			log.Fatalf("Query failed: %v", err)
		}
		for _, h := range hits {
			fmt.Printf("%-24s cosine=%.4f vip=%t\n", h.CustomerID, h.Score, h.VIP)
		}
		return
	}

	if err := search.Upsert(ctx, *enroll, embedding, *vip); err != nil {
		log.Fatalf("Enroll failed: %v", err)
	}
	fmt.Printf("enrolled %s (vip=%t) into %s\n", *enroll, *vip, cfg.Collection)
}

func loadEmbedding(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var embedding []float32
	if err := json.Unmarshal(data, &embedding); err != nil {
		return nil, err
	}
	if err := events.ValidateEmbedding(embedding); err != nil {
		// Tolerate raw model output; the gallery stores unit vectors.
		events.Normalize(embedding)
		if err := events.ValidateEmbedding(embedding); err != nil {
			return nil, err
		}
	}
	return embedding, nil
}
