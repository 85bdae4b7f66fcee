package main

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/cobra"
)

// config holds the settings shared by produce and consume. Values come from
// STEADYQ_* environment variables and are overridden by flags.
type config struct {
	URL            string
	Queue          string
	ConnectTimeout time.Duration

	// produce
	Interval       time.Duration
	Count          int
	Name           string
	PublishTimeout time.Duration
	MaxRetries     int

	// consume
	Prefetch int
	HTTPAddr string
}

func defaultConfig() config {
	return config{
		URL:            "amqp://localhost:5672/",
		Queue:          "jobs",
		ConnectTimeout: 30 * time.Second,
		Interval:       2 * time.Second,
		Count:          50,
		Name:           "John",
		PublishTimeout: 5 * time.Second,
		MaxRetries:     10,
		Prefetch:       1,
		HTTPAddr:       ":9090",
	}
}

// loadConfig applies environment overrides on top of the defaults
func loadConfig(getenv func(string) string) (config, error) {
	cfg := defaultConfig()

	var errs []error
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("STEADYQ_URL", &cfg.URL)
	str("STEADYQ_QUEUE", &cfg.Queue)
	dur("STEADYQ_CONNECT_TIMEOUT", &cfg.ConnectTimeout)
	dur("STEADYQ_INTERVAL", &cfg.Interval)
	num("STEADYQ_COUNT", &cfg.Count)
	str("STEADYQ_NAME", &cfg.Name)
	dur("STEADYQ_PUBLISH_TIMEOUT", &cfg.PublishTimeout)
	num("STEADYQ_MAX_RETRIES", &cfg.MaxRetries)
	num("STEADYQ_PREFETCH", &cfg.Prefetch)
	str("STEADYQ_HTTP_ADDR", &cfg.HTTPAddr)

	return cfg, errors.Join(errs...)
}

func (c *config) bindShared(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&c.URL, "url", "u", c.URL, "RabbitMQ connection URL")
	fs.StringVarP(&c.Queue, "queue", "q", c.Queue, "Queue name")
	fs.DurationVar(&c.ConnectTimeout, "connect-timeout", c.ConnectTimeout, "Time to wait for the first connection")
}

func (c *config) bindProduce(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.DurationVarP(&c.Interval, "interval", "i", c.Interval, "Time between messages")
	fs.IntVarP(&c.Count, "count", "n", c.Count, "Number of messages to send")
	fs.StringVar(&c.Name, "name", c.Name, "Job name carried by each message")
	fs.DurationVar(&c.PublishTimeout, "publish-timeout", c.PublishTimeout, "Wait between connectivity checks while the link is down")
	fs.IntVar(&c.MaxRetries, "max-retries", c.MaxRetries, "Connectivity checks before a publish gives up")
}

func (c *config) bindConsume(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.IntVar(&c.Prefetch, "prefetch", c.Prefetch, "Unacknowledged deliveries allowed in flight")
	fs.StringVar(&c.HTTPAddr, "http-addr", c.HTTPAddr, "Address serving /metrics and /healthz, empty to disable")
}

func sharedRules(c *config) []*validation.FieldRules {
	return []*validation.FieldRules{
		validation.Field(&c.URL, validation.Required, validation.By(amqpURL)),
		validation.Field(&c.Queue, validation.Required, validation.Length(1, 255)),
		validation.Field(&c.ConnectTimeout, validation.Required, validation.Min(time.Millisecond)),
	}
}

// ValidateProduce checks the settings used by produce
func (c config) ValidateProduce() error {
	rules := append(sharedRules(&c),
		validation.Field(&c.Interval, validation.Min(time.Duration(0))),
		validation.Field(&c.Count, validation.Required, validation.Min(1)),
		validation.Field(&c.Name, validation.Required),
		validation.Field(&c.PublishTimeout, validation.Required, validation.Min(time.Millisecond)),
		validation.Field(&c.MaxRetries, validation.Required, validation.Min(1)),
	)
	return validation.ValidateStruct(&c, rules...)
}

// ValidateConsume checks the settings used by consume
func (c config) ValidateConsume() error {
	rules := append(sharedRules(&c),
		validation.Field(&c.Prefetch, validation.Min(0), validation.Max(65535)),
	)
	return validation.ValidateStruct(&c, rules...)
}

func amqpURL(value any) error {
	s, _ := value.(string)
	u, err := url.Parse(s)
	if err != nil {
		return errors.New("must be a valid URL")
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return errors.New("must use the amqp or amqps scheme")
	}
	if u.Host == "" {
		return errors.New("must name a host")
	}
	return nil
}
