package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port       string `validate:"required,numeric"`
		GRPCPort   string `validate:"omitempty,numeric"`
		LogLevel   string
		LogPath    string
		InstanceID string
	}
	Redis struct {
		// A single primary; cluster mode and address lists are not supported.
		Addr      string `validate:"omitempty,hostname_port"`
		Password  string
		DB        int
		KeyPrefix string
	}
	Store struct {
		Driver string `validate:"oneof=redis memory"`
	}
	Bus struct {
		Driver string `validate:"oneof=redis local"`
	}
	Room struct {
		MaxParticipants int `validate:"gte=1"`
		GhostSettle     time.Duration
	}
	Auth struct {
		TicketSecret   string
		TicketSkewSecs int
	}
	Queue struct {
		ResultsURL  string
		Region      string
		WaitSeconds int64 `validate:"gte=0,lte=20"`
	}
}

func Load() Config {
	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "duet:")

	v.SetDefault("store.driver", "redis")
	v.SetDefault("bus.driver", "redis")

	v.SetDefault("room.max_participants", 2)
	v.SetDefault("room.ghost_settle_ms", 500)

	v.SetDefault("auth.ticket_skew_secs", 30)

	v.SetDefault("queue.region", "us-east-1")
	v.SetDefault("queue.wait_seconds", 20)

	// Map envs
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.grpc_port", "GRPC_PORT")
	v.BindEnv("server.log_level", "LOG_LEVEL")
	v.BindEnv("server.log_path", "LOG_PATH")
	v.BindEnv("server.instance_id", "INSTANCE_ID")

	v.BindEnv("redis.addr", "REDIS_ADDR")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("redis.db", "REDIS_DB")
	v.BindEnv("redis.key_prefix", "REDIS_KEY_PREFIX")

	v.BindEnv("store.driver", "STORE_DRIVER")
	v.BindEnv("bus.driver", "BUS_DRIVER")

	v.BindEnv("room.max_participants", "ROOM_MAX_PARTICIPANTS")
	v.BindEnv("room.ghost_settle_ms", "ROOM_GHOST_SETTLE_MS")

	v.BindEnv("auth.ticket_secret", "ROOM_TICKET_SECRET")
	v.BindEnv("auth.ticket_skew_secs", "ROOM_TICKET_SKEW_SECS")

	v.BindEnv("queue.results_url", "RESULTS_QUEUE_URL")
	v.BindEnv("queue.region", "AWS_REGION")
	v.BindEnv("queue.wait_seconds", "RESULTS_QUEUE_WAIT_SECONDS")

	var c Config
	c.Server.Port = toString(v.Get("server.port"))
	c.Server.GRPCPort = toString(v.Get("server.grpc_port"))
	c.Server.LogLevel = v.GetString("server.log_level")
	c.Server.LogPath = v.GetString("server.log_path")
	c.Server.InstanceID = v.GetString("server.instance_id")
	if c.Server.InstanceID == "" {
		c.Server.InstanceID = defaultInstanceID()
	}

	c.Redis.Addr = v.GetString("redis.addr")
	c.Redis.Password = v.GetString("redis.password")
	c.Redis.DB = v.GetInt("redis.db")
	c.Redis.KeyPrefix = v.GetString("redis.key_prefix")

	c.Store.Driver = strings.ToLower(v.GetString("store.driver"))
	c.Bus.Driver = strings.ToLower(v.GetString("bus.driver"))

	c.Room.MaxParticipants = v.GetInt("room.max_participants")
	if c.Room.MaxParticipants <= 0 {
		c.Room.MaxParticipants = 2
	}
	c.Room.GhostSettle = time.Duration(v.GetInt("room.ghost_settle_ms")) * time.Millisecond

	c.Auth.TicketSecret = v.GetString("auth.ticket_secret")
	c.Auth.TicketSkewSecs = v.GetInt("auth.ticket_skew_secs")

	c.Queue.ResultsURL = v.GetString("queue.results_url")
	c.Queue.Region = v.GetString("queue.region")
	c.Queue.WaitSeconds = v.GetInt64("queue.wait_seconds")

	log.Printf("config loaded: port=%s instance=%s store=%s bus=%s", c.Server.Port, c.Server.InstanceID, c.Store.Driver, c.Bus.Driver)
	return c
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	if err := validator.New().Struct(&c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "instance"
	}
	return host + "-" + uuid.New().String()[:8]
}

func toString(v any) string { return fmt.Sprint(v) }
