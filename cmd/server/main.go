package main

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pagelens/pagelens/internal/config"
	"github.com/pagelens/pagelens/internal/db"
	"github.com/pagelens/pagelens/internal/httpapi"
	"github.com/pagelens/pagelens/internal/store/rabbitmq"
	"github.com/pagelens/pagelens/internal/store/redisstore"
)

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	if err := client.Ping(pingCtx).Err(); err != nil {
		cancel()
		log.Fatalf("redis ping: %v", err)
	}
	cancel()

	cache := redisstore.New(client, cfg.CachePrefix, cfg.AnonSessionTTL)

	rabbit, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatalf("rabbit connect: %v", err)
	}
	defer rabbit.Close()

	r := httpapi.NewRouter(gdb, cfg, cache, rabbit)

	log.Printf("server listening addr=%s", cfg.HTTPAddr)
	if err := r.Run(cfg.HTTPAddr); err != nil {
		log.Fatalf("server: %v", err)
	}
}
