package bot

import (
	"context"
	"strings"
	"time"

	api "github.com/OvyFlash/telegram-bot-api"
	"github.com/pborman/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/zenith-oss/groupguard/internal/event"
	"github.com/zenith-oss/groupguard/internal/infra"
	"github.com/zenith-oss/groupguard/internal/observability"
)

const (
	UpdateTimeout = 5 * time.Minute
)

// Handler processes one decoded event. Proceed=false stops the chain,
// which is how an enforcement verdict keeps command handlers out of a
// deleted message.
type Handler interface {
	Handle(ctx context.Context, ev event.Event) (proceed bool, err error)
}

// UpdateProcessor decodes raw platform updates at the boundary and walks
// the handler chain. A panicking handler poisons only its own update.
type UpdateProcessor struct {
	updateHandlers []Handler
}

func NewUpdateProcessor(handlers ...Handler) *UpdateProcessor {
	return &UpdateProcessor{
		updateHandlers: handlers,
	}
}

func (up *UpdateProcessor) Process(ctx context.Context, u *api.Update) (err error) {
	if u == nil {
		return errors.New("update is nil")
	}

	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewRandom().String()
			log.WithFields(log.Fields{
				"correlation_id": correlationID,
				"panic":          r,
				"location":       infra.IdentifyPanic(),
			}).Error("update processing panicked")
			err = errors.Errorf("poisoned update %s", correlationID)
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if age := updateAge(u); age > UpdateTimeout {
		log.WithField("age", age.String()).Debug("skipping outdated update")
		return nil
	}

	ev := event.Decode(u)
	if ev == nil {
		return nil
	}
	observability.RecordEvent(string(ev.Kind()))
	finish := observability.StartEventProcessing()

	for _, handler := range up.updateHandlers {
		if handler == nil {
			continue
		}
		select {
		case <-ctx.Done():
			finish("canceled")
			return ctx.Err()
		default:
			proceed, err := handler.Handle(ctx, ev)
			if err != nil {
				finish("error")
				return errors.WithMessage(err, "handling error")
			}
			if !proceed {
				finish("handled")
				return nil
			}
		}
	}
	finish("passed")
	return nil
}

func updateAge(u *api.Update) time.Duration {
	var updateTime time.Time
	switch {
	case u.Message != nil:
		updateTime = time.Unix(int64(u.Message.Date), 0)
	case u.EditedMessage != nil:
		updateTime = time.Unix(int64(u.EditedMessage.Date), 0)
	default:
		updateTime = time.Now()
	}
	return time.Since(updateTime)
}

// GetUpdatesChans long-polls the platform and fans updates into a
// channel, reporting a fatal poll error on the second channel.
func GetUpdatesChans(ctx context.Context, bot *api.BotAPI, config api.UpdateConfig) (api.UpdatesChannel, chan error) {
	ch := make(chan api.Update, bot.Buffer)
	chErr := make(chan error)

	go func() {
		defer close(ch)
		defer close(chErr)
		for {
			select {
			case <-ctx.Done():
				chErr <- ctx.Err()
				return
			default:
				updates, err := bot.GetUpdates(config)
				if err != nil {
					chErr <- err
					return
				}

				for _, update := range updates {
					if update.UpdateID >= config.Offset {
						config.Offset = update.UpdateID + 1
						select {
						case ch <- update:
						case <-ctx.Done():
							chErr <- ctx.Err()
							return
						}
					}
				}
			}
		}
	}()

	return ch, chErr
}

func GetUN(user *api.User) string {
	if user == nil {
		return ""
	}
	userName := user.UserName
	if len(userName) == 0 {
		userName = user.FirstName + " " + user.LastName
		userName = strings.TrimSpace(userName)
	}
	return userName
}
