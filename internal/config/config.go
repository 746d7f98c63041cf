package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/npezzotti/go-chatfanout/internal/chat"
)

const (
	StorePostgres = "postgres"
	StoreBadger   = "badger"

	BrokerLocal    = "local"
	BrokerPostgres = "postgres"

	envPrefix = "GOCHAT"
)

type Config struct {
	DatabaseDSN    string
	ServerAddr     string
	SigningKey     []byte
	AllowedOrigins []string
	Store          string
	BadgerPath     string
	Broker         string
	Chat           ChatConfig
}

// ChatConfig holds the fan-out tunables, read from GOCHAT_* environment variables.
type ChatConfig struct {
	MaxBodyLength           int           `envconfig:"MAX_BODY_LENGTH" default:"4096" validate:"gt=0"`
	MaxAttachments          int           `envconfig:"MAX_ATTACHMENTS" default:"10" validate:"gte=0"`
	MaxAttachmentSize       int64         `envconfig:"MAX_ATTACHMENT_SIZE" default:"26214400" validate:"gt=0"`
	AllowedContentTypes     []string      `envconfig:"ALLOWED_CONTENT_TYPES" default:"image/*,video/*,audio/*,text/plain,application/pdf,application/zip" validate:"dive,required"`
	SendTimeout             time.Duration `envconfig:"SEND_TIMEOUT" default:"2s" validate:"gt=0"`
	GapTimeout              time.Duration `envconfig:"GAP_TIMEOUT" default:"5s" validate:"gt=0"`
	LaneIdleTimeout         time.Duration `envconfig:"LANE_IDLE_TIMEOUT" default:"1m" validate:"gt=0"`
	LaneBuffer              int           `envconfig:"LANE_BUFFER" default:"64" validate:"gt=0"`
	RetractReceiptsOnRemove bool          `envconfig:"RETRACT_RECEIPTS_ON_REMOVE" default:"false"`
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, fmt.Errorf("empty secret")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}
	if base64Secret == "" {
		return nil, fmt.Errorf("signing secret cannot be empty")
	}

	signingKey, err := decodeSigningSecret(base64Secret)
	if err != nil {
		return nil, fmt.Errorf("decode signing secret: %w", err)
	}

	return &Config{
		DatabaseDSN:    databaseDSN,
		ServerAddr:     serverAddr,
		SigningKey:     signingKey,
		AllowedOrigins: allowedOrigins,
		Store:          StorePostgres,
		Broker:         BrokerLocal,
	}, nil
}

// SetStorage selects the message store and the broker. The Postgres broker
// needs the Postgres store since nodes must share messages to reload them.
func (c *Config) SetStorage(store, badgerPath, broker string) error {
	switch store {
	case StorePostgres, StoreBadger:
	default:
		return fmt.Errorf("unknown store %q", store)
	}

	switch broker {
	case BrokerLocal:
	case BrokerPostgres:
		if store != StorePostgres {
			return fmt.Errorf("broker %q requires store %q", broker, StorePostgres)
		}
	default:
		return fmt.Errorf("unknown broker %q", broker)
	}

	c.Store = store
	c.BadgerPath = badgerPath
	c.Broker = broker
	return nil
}

// LoadDotEnv loads environment files, a missing file is not an error.
func LoadDotEnv(filenames ...string) error {
	if err := godotenv.Load(filenames...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env: %w", err)
	}
	return nil
}

func LoadChatConfig() (ChatConfig, error) {
	var cfg ChatConfig
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return ChatConfig{}, fmt.Errorf("process env: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return ChatConfig{}, fmt.Errorf("validate chat config: %w", err)
	}

	return cfg, nil
}

// Service converts the tunables into the chat service configuration.
func (c ChatConfig) Service() chat.Config {
	return chat.Config{
		Limits: chat.Limits{
			MaxBodyLength:       c.MaxBodyLength,
			MaxAttachments:      c.MaxAttachments,
			MaxAttachmentSize:   c.MaxAttachmentSize,
			AllowedContentTypes: c.AllowedContentTypes,
		},
		Dispatch: chat.DispatchConfig{
			SendTimeout:     c.SendTimeout,
			GapTimeout:      c.GapTimeout,
			LaneIdleTimeout: c.LaneIdleTimeout,
			LaneBuffer:      c.LaneBuffer,
		},
		RetractReceiptsOnRemove: c.RetractReceiptsOnRemove,
	}
}
