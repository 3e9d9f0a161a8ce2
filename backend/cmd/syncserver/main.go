package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"

	"collabsync/backend/internal/auth"
	"collabsync/backend/internal/cache"
	"collabsync/backend/internal/httpapi/handlers"
	"collabsync/backend/internal/httpapi/middleware"
	"collabsync/backend/internal/room"
	"collabsync/backend/internal/store"
	"collabsync/backend/internal/ws"
)

type SyncConfig struct {
	Running struct {
		Port           int      `mapstructure:"Port"`
		AllowedOrigins []string `mapstructure:"allowedOrigins"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
	Auth struct {
		Secret string `mapstructure:"secret"`
	} `mapstructure:"Auth"`
	Collab struct {
		GracePeriodSeconds  int `mapstructure:"gracePeriodSeconds"`
		CheckpointSeconds   int `mapstructure:"checkpointSeconds"`
		AwarenessTTLSeconds int `mapstructure:"awarenessTtlSeconds"`
	} `mapstructure:"Collab"`
}

func initConfig() (*SyncConfig, error) {
	cfg := &SyncConfig{}
	v := viper.New()
	v.SetConfigName("syncConfig")
	v.SetConfigType("yaml")
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}

	db, err := sql.Open("mysql", cfg.Mysql.DSN)
	if err != nil {
		log.Fatalf("open mysql failed: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("mysql unreachable: %v", err)
	}

	gormDB, err := gorm.Open(gormmysql.New(gormmysql.Config{Conn: db}), &gorm.Config{})
	if err != nil {
		log.Fatalf("open gorm failed: %v", err)
	}
	documentStore := store.NewDocumentStore(gormDB)
	if err := documentStore.AutoMigrate(); err != nil {
		log.Fatalf("migrate failed: %v", err)
	}
	snapshotStore := store.NewSnapshotStore(db)

	// Presence mirror is optional; without Redis the engine still converges,
	// other services just cannot see who is online.
	var presence cache.PresenceCache
	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
		if err := rdb.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("redis unreachable: %v", err)
		}
		defer rdb.Close()
		presence = cache.NewRedisPresence(rdb)
	}

	// The event stream is optional the same way.
	var producer sarama.SyncProducer
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := sarama.NewConfig()
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err = sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.Fatalf("connect kafka failed: %v", err)
		}
		defer producer.Close()
	}
	dispatcher := room.NewDispatcher(producer, cfg.Kafka.Topic, room.NewSemaphore(16), room.DispatcherOptions{
		QueueSize:   10_000,
		Workers:     4,
		MaxRetry:    3,
		BaseBackoff: 50 * time.Millisecond,
		MaxBackoff:  1 * time.Second,
	})
	defer dispatcher.Close()

	broker := room.NewBroker(snapshotStore, documentStore, presence, dispatcher, room.Options{
		GracePeriod:        time.Duration(cfg.Collab.GracePeriodSeconds) * time.Second,
		CheckpointInterval: time.Duration(cfg.Collab.CheckpointSeconds) * time.Second,
		AwarenessTTL:       time.Duration(cfg.Collab.AwarenessTTLSeconds) * time.Second,
	})
	manager := ws.NewManager(broker, cfg.Running.AllowedOrigins)
	tokens := auth.NewTokens(cfg.Auth.Secret)

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	collab := r.Group("/collab")
	collab.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "ok"})
	})
	authed := collab.Group("")
	authed.Use(middleware.AuthMiddleware(tokens))
	authed.GET("/ws", manager.WebSocketConnect)
	handlers.NewDocuments(documentStore).Register(authed)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: r,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen failed: %v", err)
		}
	}()
	log.Printf("sync server listening on :%d", cfg.Running.Port)

	// Checkpoint every live room before exiting.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	broker.Shutdown(shutdownCtx)
	_ = srv.Shutdown(shutdownCtx)
}
