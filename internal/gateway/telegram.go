package gateway

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram rejects messages longer than this many characters.
const telegramMaxMessage = 4096

type TelegramGateway struct {
	Bot       *tgbotapi.BotAPI
	Commander *Commander
	// ChatID is the owner chat. When set, other chats are ignored and
	// alerts go here.
	ChatID int64
}

func NewTelegramGateway(token string, chatID string, commander *Commander) (*TelegramGateway, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}

	log.Printf("Authorized on account %s", bot.Self.UserName)

	tg := &TelegramGateway{Bot: bot, Commander: commander}
	if chatID != "" {
		if tg.ChatID, err = strconv.ParseInt(chatID, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid chat ID: %s", chatID)
		}
	}
	return tg, nil
}

func (tg *TelegramGateway) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := tg.Bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			chatID := update.Message.Chat.ID
			if tg.ChatID != 0 && chatID != tg.ChatID {
				log.Printf("[Telegram] ignoring chat %d", chatID)
				continue
			}

			log.Printf("[%s] %s", update.Message.From.UserName, update.Message.Text)
			tg.Commander.Handle(ctx, update.Message.Text, &telegramReplier{tg: tg, chatID: chatID})
		}
	}
}

func (tg *TelegramGateway) Send(chatID string, text string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil || id == 0 {
		return fmt.Errorf("invalid chat ID: %s", chatID)
	}
	return tg.send(id, text, "")
}

func (tg *TelegramGateway) send(chatID int64, text, parseMode string) error {
	for _, chunk := range splitMessage(text, telegramMaxMessage) {
		msg := tgbotapi.NewMessage(chatID, chunk)
		msg.ParseMode = parseMode
		if _, err := tg.Bot.Send(msg); err != nil {
			return err
		}
	}
	return nil
}

// Notify sends an alert to the owner chat.
func (tg *TelegramGateway) Notify(ctx context.Context, title, message string) error {
	if tg.ChatID == 0 {
		return fmt.Errorf("telegram chat_id is not configured")
	}
	return tg.send(tg.ChatID, fmt.Sprintf("🔔 %s\n%s", title, message), "")
}

func (tg *TelegramGateway) Stop() error {
	tg.Bot.StopReceivingUpdates()
	return nil
}

type telegramReplier struct {
	tg     *TelegramGateway
	chatID int64
}

func (r *telegramReplier) Reply(text string) error {
	return r.tg.send(r.chatID, text, "")
}

func (r *telegramReplier) ReplyFile(name string, data []byte) error {
	doc := tgbotapi.NewDocument(r.chatID, tgbotapi.FileBytes{Name: name, Bytes: data})
	_, err := r.tg.Bot.Send(doc)
	return err
}

// splitMessage cuts text into chunks of at most limit runes.
func splitMessage(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var chunks []string
	runes := []rune(text)
	for len(runes) > 0 {
		n := min(limit, len(runes))
		chunks = append(chunks, string(runes[:n]))
		runes = runes[n:]
	}
	return chunks
}
