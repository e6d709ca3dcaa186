// Command smoke checks connectivity to the gateway's dependencies: the
// NGD API, the token endpoint, Redis and Kafka.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/ngd-catalyst/internal/auth"
	"github.com/mohammed-shakir/ngd-catalyst/internal/cache/redisstore"
	"github.com/mohammed-shakir/ngd-catalyst/internal/catalog"
	"github.com/mohammed-shakir/ngd-catalyst/internal/core/config"
	"github.com/mohammed-shakir/ngd-catalyst/internal/core/httpclient"
	"github.com/mohammed-shakir/ngd-catalyst/internal/core/upstream"
	"github.com/mohammed-shakir/ngd-catalyst/internal/telemetry"
)

func testRedis(ctx context.Context, addr string) error {
	fmt.Println("Redis test")
	store, err := redisstore.New(ctx, addr)
	if err != nil {
		return fmt.Errorf("redis connect: %w", err)
	}
	defer func() { _ = store.Close() }()

	if err := store.Set(ctx, "catalyst:smoke", []byte("ok"), 30*time.Second); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	val, ok, err := store.Get(ctx, "catalyst:smoke")
	if err != nil || !ok {
		return fmt.Errorf("redis get: hit=%v err=%v", ok, err)
	}
	fmt.Println("redis GET catalyst:smoke:", string(val))
	return nil
}

func testToken(ctx context.Context, cfg config.AuthCfg) error {
	fmt.Println("Token test")
	mgr, err := auth.NewManager(nil, auth.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		RetryMax:     cfg.RetryMax,
	})
	if err != nil {
		return err
	}
	tok, err := mgr.Token(ctx)
	if err != nil {
		return fmt.Errorf("token exchange: %w", err)
	}
	fmt.Printf("token acquired (%d chars)\n", len(tok))
	return nil
}

func testNGD(ctx context.Context, cfg config.Config) error {
	fmt.Println("NGD collections test")
	up, err := upstream.New(nil, httpclient.NewOutbound(cfg.UpstreamTimeout), cfg.BaseURL)
	if err != nil {
		return err
	}
	raw, err := up.FetchCollections(ctx)
	if err != nil {
		return fmt.Errorf("fetch collections: %w", err)
	}
	cols, err := catalog.Parse(raw)
	if err != nil {
		return err
	}
	fmt.Printf("%d versioned collections\n", len(cols))
	return nil
}

func testKafka(brokers []string, topic string) error {
	fmt.Println("Kafka test")

	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Version = sarama.V3_6_0_0
	prod, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return fmt.Errorf("producer create: %w", err)
	}
	defer func() { _ = prod.Close() }()

	ev := telemetry.Event{
		Method:     "GET",
		Path:       "/collections/smoke-1/items",
		Collection: "smoke-1",
		Status:     200,
		TS:         time.Now().UTC(),
	}
	msg, _ := json.Marshal(ev)
	_, _, err = prod.SendMessage(&sarama.ProducerMessage{
		Topic: topic, Key: sarama.StringEncoder(ev.Collection), Value: sarama.ByteEncoder(msg),
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	fmt.Println("produced one telemetry event")

	consumer, err := sarama.NewConsumer(brokers, cfg)
	if err != nil {
		return fmt.Errorf("consumer create: %w", err)
	}
	defer func() { _ = consumer.Close() }()

	pc, err := consumer.ConsumePartition(topic, 0, sarama.OffsetOldest)
	if err != nil {
		return fmt.Errorf("consume partition: %w", err)
	}
	defer func() { _ = pc.Close() }()

	select {
	case m := <-pc.Messages():
		fmt.Println("consumed:", string(m.Value))
	case <-time.After(5 * time.Second):
		fmt.Println("no message consumed (timeout)")
	}
	return nil
}

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg := config.FromEnv()
	failed := false

	if err := testNGD(ctx, cfg); err != nil {
		fmt.Println("NGD error:", err)
		failed = true
	}
	if cfg.Auth.Configured() {
		if err := testToken(ctx, cfg.Auth); err != nil {
			fmt.Println("Token error:", err)
			failed = true
		}
	}
	if cfg.RedisAddr != "" {
		if err := testRedis(ctx, cfg.RedisAddr); err != nil {
			fmt.Println("Redis error:", err)
			failed = true
		}
	}
	if cfg.Telemetry.Enabled {
		if err := testKafka(cfg.Telemetry.Brokers, cfg.Telemetry.Topic); err != nil {
			fmt.Println("Kafka error:", err)
			failed = true
		}
	}
	if failed {
		os.Exit(1)
	}
	fmt.Println("All checks completed")
}
