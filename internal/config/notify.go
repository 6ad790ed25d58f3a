package config

import (
	"fmt"
	"time"
)

// NotifyConfig configures domain event delivery and reminders. An empty
// RabbitURL disables the broker; events are then only logged.
type NotifyConfig struct {
	RabbitURL       string
	Queue           string
	Buffer          int
	ReminderPoll    time.Duration
	ReminderOffsets []time.Duration
	DefaultLocale   string
	LogFile         string
}

// Enabled reports whether a broker is configured.
func (c NotifyConfig) Enabled() bool { return c.RabbitURL != "" }

// LoadNotifyConfig reads RABBITMQ_URL, NOTIFY_* and REMINDER_* variables.
func LoadNotifyConfig() (NotifyConfig, error) {
	c := NotifyConfig{
		RabbitURL:     envStr("RABBITMQ_URL", ""),
		Queue:         envStr("NOTIFY_QUEUE", "rsvp.events"),
		Buffer:        envInt("NOTIFY_BUFFER", 256),
		ReminderPoll:  envDur("REMINDER_POLL_INTERVAL", 30*time.Second),
		DefaultLocale: envStr("DEFAULT_LOCALE", "en"),
		LogFile:       envStr("NOTIFY_LOG_FILE", "logs/notifications.log"),
	}
	for _, s := range envList("REMINDER_OFFSETS", "24h,2h") {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			return NotifyConfig{}, fmt.Errorf("invalid REMINDER_OFFSETS entry %q", s)
		}
		c.ReminderOffsets = append(c.ReminderOffsets, d)
	}
	if c.Buffer < 1 {
		c.Buffer = 1
	}
	if c.ReminderPoll <= 0 {
		c.ReminderPoll = 30 * time.Second
	}
	return c, nil
}
