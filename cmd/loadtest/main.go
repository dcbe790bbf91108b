// Command loadtest publishes synthetic inbound document events to the
// submission.found topic so the pipeline can be exercised end to end
// without a mailbox collaborator.
//
// Usage:
//
//	go run ./cmd/loadtest [-config configs/development.yaml] -count 100 -concurrency 8
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/parcelworks/mailroom/internal/pipeline"
	"github.com/parcelworks/mailroom/pkg/config"
	"github.com/parcelworks/mailroom/pkg/kafka"
	"github.com/parcelworks/mailroom/pkg/logger"
)

var senders = []string{
	"accounts@acme-corp.example",
	"billing@northwind.example",
	"legal@initech.example",
	"noreply@contoso.example",
}

var subjects = []string{
	"Invoice for March",
	"Signed contract attached",
	"Bank statement",
	"Scanned receipts",
	"Tax forms for review",
}

func main() {
	configPath := flag.String("config", "configs/development.yaml", "path to config file")
	count := flag.Int("count", 100, "number of documents to publish")
	concurrency := flag.Int("concurrency", 8, "publisher goroutines")
	maxAttachments := flag.Int("attachments", 3, "max attachments per document")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, "text")

	producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topics.SubmissionFound)
	defer producer.Close()

	ctx := context.Background()
	var published, failed atomic.Int64
	work := make(chan int)

	start := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range work {
				doc := syntheticDocument(*maxAttachments)
				if err := producer.Publish(ctx, kafka.Event{Key: doc.ID, Value: doc}); err != nil {
					failed.Add(1)
					slog.Error("publish failed", "id", doc.ID, "error", err)
					continue
				}
				published.Add(1)
			}
		}()
	}

	for i := 0; i < *count; i++ {
		work <- i
	}
	close(work)
	wg.Wait()

	elapsed := time.Since(start)
	slog.Info("loadtest finished",
		"published", published.Load(),
		"failed", failed.Load(),
		"elapsed", elapsed.Round(time.Millisecond),
		"rate_per_sec", float64(published.Load())/elapsed.Seconds(),
	)
}

func syntheticDocument(maxAttachments int) pipeline.InboundDocument {
	n := rand.Intn(maxAttachments + 1)
	attachments := make([]pipeline.InboundAttachment, 0, n)
	for i := 0; i < n; i++ {
		name := fmt.Sprintf("doc-%d", i)
		if i%2 == 0 {
			attachments = append(attachments, pipeline.InboundAttachment{
				Filename:    name + ".pdf",
				ContentType: "application/pdf",
				Location:    fmt.Sprintf("s3://mailroom-attachments/loadtest/%s.pdf", uuid.NewString()),
			})
		} else {
			attachments = append(attachments, pipeline.InboundAttachment{
				Filename:    name + ".png",
				ContentType: "image/png",
				Location:    fmt.Sprintf("s3://mailroom-attachments/loadtest/%s.png", uuid.NewString()),
			})
		}
	}

	return pipeline.InboundDocument{
		ID:          uuid.NewString(),
		Subject:     subjects[rand.Intn(len(subjects))],
		Sender:      senders[rand.Intn(len(senders))],
		Body:        "Please find the attached documents.",
		ReceivedAt:  time.Now().UTC(),
		Attachments: attachments,
	}
}
