package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/kestrelhq/chatrelay/internal/chat"
	"github.com/kestrelhq/chatrelay/internal/config"
	"github.com/kestrelhq/chatrelay/internal/db"
	"github.com/kestrelhq/chatrelay/internal/httpapi/handlers"
	"github.com/kestrelhq/chatrelay/internal/store/rabbitmq"
)

const (
	maxJobAttempts = 3
	retryDelay     = 10 * time.Second
)

// retryMessage returns the message to park on the retry queue, or false when
// the delivery has exhausted its attempts and belongs on the DLQ.
func retryMessage(msg rabbitmq.JobMessage) (rabbitmq.JobMessage, bool) {
	if msg.Attempt+1 >= maxJobAttempts {
		return rabbitmq.JobMessage{}, false
	}
	msg.Attempt++
	return msg, true
}

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)

	repo := chat.NewRepo(gdb)
	svc := chat.NewService(repo, handlers.NewRegistry(cfg), cfg.ChatContextWindowSize)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		log.Fatalf("queue declare: %v", err)
	}

	concurrency := workerConcurrency()

	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	deliveries, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	jobs := make(chan amqp.Delivery)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range jobs {
				var msg rabbitmq.JobMessage
				if err := json.Unmarshal(d.Body, &msg); err != nil {
					log.Printf("bad job payload: %v", err)
					_ = d.Reject(false) // to DLQ
					continue
				}

				if err := handleJob(ctx, svc, repo, msg.JobID); err != nil {
					if next, ok := retryMessage(msg); ok {
						perr := rabbitmq.PublishRetry(ctx, ch, cfg.RabbitQueue, next, retryDelay)
						if perr == nil {
							_ = d.Ack(false)
							continue
						}
						log.Printf("retry publish failed job=%s err=%v", msg.JobID, perr)
					}
					_ = repo.MarkJobFailed(ctx, msg.JobID, err.Error())
					_ = d.Reject(false) // to DLQ
					continue
				}
				_ = d.Ack(false)
			}
		}()
	}

	log.Printf("worker consuming %s with concurrency=%d", cfg.RabbitQueue, concurrency)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case d, more := <-deliveries:
			if !more {
				break loop
			}
			jobs <- d
		}
	}

	close(jobs)
	wg.Wait()
	log.Println("worker stopped")
}

func handleJob(ctx context.Context, svc *chat.Service, repo *chat.Repo, jobID string) error {
	jobStart := time.Now()

	_ = repo.UpdateJobStatusRunning(ctx, jobID)

	j, err := repo.GetJobByID(ctx, jobID)
	if err != nil {
		log.Printf("job lookup failed job=%s err=%v", jobID, err)
		return err
	}

	reply, assistantMsgID, err := svc.GenerateAssistantReplyAndInsert(ctx, j.TenantID, j.UserID, j.ConversationID)
	if err != nil {
		// the caller decides whether this delivery retries or goes to the DLQ
		log.Printf("job attempt failed job=%s total=%s err=%v", jobID, time.Since(jobStart), err)
		return err
	}
	_ = reply

	if err := repo.MarkJobSucceeded(ctx, jobID, assistantMsgID); err != nil {
		log.Printf("job mark-succeeded failed job=%s err=%v", jobID, err)
		return err
	}

	if total := time.Since(jobStart); total > 2*time.Second {
		log.Printf("job slow job=%s total=%s", jobID, total)
	}

	return nil
}
