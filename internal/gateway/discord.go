package gateway

import (
	"context"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/rahul/phonepilot/internal/agent"
	"github.com/rahul/phonepilot/internal/store"
)

// NotificationRecorder stores messages seen on watched channels.
type NotificationRecorder interface {
	RecordNotification(ctx context.Context, n store.Notification) error
}

// DiscordGateway watches channels and records their messages as
// notifications for the heartbeat. Alerts are posted to AlertChannel.
type DiscordGateway struct {
	Token        string
	Channels     []string
	AlertChannel string
	Recorder     NotificationRecorder

	mu      sync.Mutex
	session *discordgo.Session
}

func NewDiscordGateway(token string, channels []string, alertChannel string, recorder NotificationRecorder) *DiscordGateway {
	return &DiscordGateway{
		Token:        token,
		Channels:     channels,
		AlertChannel: alertChannel,
		Recorder:     recorder,
	}
}

func (d *DiscordGateway) Start(ctx context.Context) error {
	session, err := discordgo.New("Bot " + d.Token)
	if err != nil {
		return err
	}
	d.setSession(session)
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		selfID := ""
		if s.State != nil && s.State.User != nil {
			selfID = s.State.User.ID
		}
		n, ok := d.notificationFor(m.Message, selfID)
		if !ok {
			return
		}
		if err := d.Recorder.RecordNotification(ctx, n); err != nil {
			log.Printf("[Discord] failed to record notification: %v", err)
		}
	})

	if err := session.Open(); err != nil {
		return err
	}
	log.Printf("[Discord] watching %d channel(s)", len(d.Channels))

	<-ctx.Done()
	return session.Close()
}

// notificationFor maps a message to a notification. Blank messages, the
// bot's own posts and unwatched channels are skipped.
func (d *DiscordGateway) notificationFor(m *discordgo.Message, selfID string) (store.Notification, bool) {
	if m == nil || m.Author == nil {
		return store.Notification{}, false
	}
	if m.Author.ID == selfID || strings.HasPrefix(m.Content, "🔔 "+agent.AlertTitle) {
		return store.Notification{}, false
	}
	if len(d.Channels) > 0 && !slices.Contains(d.Channels, m.ChannelID) {
		return store.Notification{}, false
	}
	body := strings.TrimSpace(m.Content)
	if body == "" {
		return store.Notification{}, false
	}
	return store.Notification{
		AppName:   "Discord",
		Title:     m.Author.Username,
		Body:      body,
		Timestamp: m.Timestamp,
	}, true
}

// Start runs on a gateway goroutine while Send and Notify are called from others.
func (d *DiscordGateway) setSession(s *discordgo.Session) {
	d.mu.Lock()
	d.session = s
	d.mu.Unlock()
}

func (d *DiscordGateway) currentSession() *discordgo.Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.session
}

func (d *DiscordGateway) Send(channelID string, text string) error {
	session := d.currentSession()
	if session == nil {
		return fmt.Errorf("discord session is not open")
	}
	for _, chunk := range splitMessage(text, 2000) {
		if _, err := session.ChannelMessageSend(channelID, chunk); err != nil {
			return err
		}
	}
	return nil
}

// Notify posts an alert to the alert channel.
func (d *DiscordGateway) Notify(ctx context.Context, title, message string) error {
	if d.AlertChannel == "" {
		return fmt.Errorf("discord alert channel is not configured")
	}
	return d.Send(d.AlertChannel, fmt.Sprintf("🔔 %s\n%s", title, message))
}

func (d *DiscordGateway) Stop() error {
	if session := d.currentSession(); session != nil {
		return session.Close()
	}
	return nil
}
