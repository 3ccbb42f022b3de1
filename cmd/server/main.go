package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tutorchat-ws/internal/config"
	"tutorchat-ws/internal/delivery"
	"tutorchat-ws/internal/infrastructure/kafka"
	"tutorchat-ws/internal/infrastructure/postgres"
	"tutorchat-ws/internal/infrastructure/redis"
	"tutorchat-ws/internal/infrastructure/storage"
	"tutorchat-ws/internal/service"

	"github.com/google/uuid"
)

func main() {
	// Global recovery so a panic is logged before exit
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Application recovered from panic: %v", r)
			os.Exit(1)
		}
	}()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Starting TutorChat WebSocket Server")
	log.Printf("Environment: %s", cfg.Environment)
	log.Printf("Port: %s", cfg.Port)
	log.Printf("Redis: %s:%s", cfg.RedisHost, cfg.RedisPort)
	log.Printf("Kafka enabled: %v, brokers: %v", cfg.KafkaEnabled, cfg.KafkaBrokers)
	log.Printf("CORS Origins: %s", cfg.GetCORSOrigins())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.DBUrl == "" {
		log.Fatal("DB_URL is required")
	}
	pool, err := postgres.Connect(ctx, cfg.DBUrl)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	chatService := service.NewChatService(
		pool,
		postgres.NewChatRepository(pool),
		postgres.NewMessageRepository(pool),
		postgres.NewParticipantRepository(pool),
	)

	instanceID := uuid.NewString()
	redisClient := redis.NewRedisClient(redis.Options{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
		Instance: instanceID,
	})
	var presence delivery.PresenceStore = redisClient
	pingCtx, pingCancel := context.WithTimeout(ctx, 3*time.Second)
	if err := redisClient.Ping(pingCtx); err != nil {
		log.Printf("Warning: Redis connection failed, presence is local to this instance: %v", err)
		presence = delivery.NewMemoryStore()
	} else {
		log.Println("Redis connection successful")
	}
	pingCancel()

	wsManager := delivery.NewWSManager(chatService, presence, instanceID, cfg.TypingTTL)
	go wsManager.KeepPresence(ctx, cfg.PresenceHeartbeat)

	var (
		kafkaProducer *kafka.KafkaProducer
		kafkaConsumer *kafka.KafkaConsumer
	)
	if cfg.KafkaEnabled {
		kafkaProducer = kafka.NewKafkaProducer(cfg.KafkaBrokers)
		wsManager.SetEventBus(kafkaProducer)

		groupID := cfg.KafkaGroupPrefix + "-" + wsManager.InstanceID()
		kafkaConsumer = kafka.NewKafkaConsumer(cfg.KafkaBrokers, groupID, kafka.Topics(), wsManager)
		log.Printf("Kafka fan-out enabled with consumer group %s", groupID)
	}

	if !cfg.StorageEnabled() {
		log.Printf("Warning: Supabase storage is not configured, uploads are disabled")
	}
	uploader := storage.NewSupabaseStorage(cfg.SupabaseURL, cfg.SupabaseBucket, cfg.SupabaseServiceKey)

	handler := delivery.NewChatHandler(chatService, wsManager, uploader)
	server := delivery.NewServer(cfg, handler, wsManager)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Println("Shutting down...")
		cancel()
		if err := server.Shutdown(); err != nil {
			log.Printf("Error shutting down server: %v", err)
		}
		if kafkaConsumer != nil {
			if err := kafkaConsumer.Close(); err != nil {
				log.Printf("Error closing Kafka consumer: %v", err)
			}
		}
		if kafkaProducer != nil {
			if err := kafkaProducer.Close(); err != nil {
				log.Printf("Error closing Kafka producer: %v", err)
			}
		}
		if err := redisClient.Close(); err != nil {
			log.Printf("Error closing Redis client: %v", err)
		}
	}()

	if kafkaConsumer != nil {
		go func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("Kafka consumer goroutine recovered from panic: %v", r)
				}
			}()

			if err := kafkaConsumer.Start(ctx); err != nil {
				log.Printf("Kafka consumer error: %v", err)
			}
		}()
	}

	if err := server.Start(); err != nil {
		log.Fatalf("Server stopped: %v", err)
	}
}
