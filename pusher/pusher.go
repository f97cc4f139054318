package pusher

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// Service evaluates one user's push rules against an incoming event and
// delivers a notification to every registered pusher whose rules matched,
// following conduwuit's send_push_notice/get_actions/send_notice split.
type Service struct {
	Store   *Store
	Gateway *Client
}

func NewService(store *Store, gateway *Client) *Service {
	return &Service{Store: store, Gateway: gateway}
}

// Dispatch evaluates ruleset against event and, if it resolves to notify,
// posts one notification per registered pusher for userID.
func (s *Service) Dispatch(ctx context.Context, userID string, unread int, event json.RawMessage, ruleset Ruleset, rctx RoomCtx) error {
	actions, matched := GetActions(ruleset, event, rctx.RoomID, rctx)
	if !matched {
		return nil
	}
	notify := false
	tweaks := map[string]json.RawMessage{}
	for _, a := range actions {
		switch a.Kind {
		case ActionNotify:
			notify = true
		case ActionCoalesce:
			notify = true
		case ActionDontNotify:
			notify = false
		case ActionSetTweak:
			tweaks[a.Tweak] = a.Value
		}
	}
	if !notify {
		return nil
	}

	registrations, err := s.Store.ForUser(userID)
	if err != nil {
		return err
	}
	eventType := gjson.GetBytes(event, "type").String()
	sender := gjson.GetBytes(event, "sender").String()

	for _, r := range registrations {
		if r.Kind != "http" {
			continue
		}
		eventIDOnly := r.Format == "event_id_only"
		device := Device{AppID: r.AppID, Pushkey: r.PushKey, Data: r.DefaultPayload}
		if !eventIDOnly {
			device.Tweaks = tweaks
		}
		n := Notification{
			EventID: gjson.GetBytes(event, "event_id").String(),
			RoomID:  rctx.RoomID,
			Counts:  Counts{Unread: unread},
			Devices: []Device{device},
			Prio:    "low",
		}
		highlighted := false
		if raw, ok := tweaks["highlight"]; ok {
			json.Unmarshal(raw, &highlighted)
		}
		if eventType == "m.room.encrypted" || highlighted {
			n.Prio = "high"
		}
		if !eventIDOnly {
			n.Type = eventType
			n.Sender = sender
			n.Content = json.RawMessage(gjson.GetBytes(event, "content").Raw)
		}
		if _, err := s.Gateway.Send(ctx, r.URL, n); err != nil {
			logrus.WithError(err).WithField("pushkey", r.PushKey).Warn("pusher: gateway delivery failed")
		}
	}
	return nil
}
