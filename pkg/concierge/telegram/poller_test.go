package telegram

import (
	"testing"
)

func newTestPoller() *Poller {
	fleet := NewFleet(nil, DefaultConfig(), nil)
	return NewPoller(fleet, nil, nil)
}

func TestProcess_PrivateMessage(t *testing.T) {
	p := newTestPoller()

	p.process("tok-1", tgUpdate{
		UpdateID: 1,
		Message: &tgMessage{
			From: &tgUser{ID: 100, FirstName: "Dana", LastName: "Reyes"},
			Chat: tgChat{ID: 100, Type: "private"},
			Date: 1757500000,
			Text: "/start",
		},
	})

	select {
	case u := <-p.messages:
		if u.BotToken != "tok-1" || u.ChatID != 100 || u.Text != "/start" {
			t.Errorf("update mangled: %+v", u)
		}
		if u.FromName != "Dana Reyes" {
			t.Errorf("display name wrong: %q", u.FromName)
		}
	default:
		t.Fatal("private message not queued")
	}
}

func TestProcess_DropsGroupsAndEmptyUpdates(t *testing.T) {
	p := newTestPoller()

	p.process("tok-1", tgUpdate{Message: &tgMessage{
		From: &tgUser{ID: 1},
		Chat: tgChat{ID: -500, Type: "group"},
		Text: "hello all",
	}})
	p.process("tok-1", tgUpdate{Message: nil})
	p.process("tok-1", tgUpdate{Message: &tgMessage{Chat: tgChat{ID: 1, Type: "private"}}})

	select {
	case u := <-p.messages:
		t.Fatalf("non-private or senderless update queued: %+v", u)
	default:
	}
}

func TestStop_ClosesMessageStream(t *testing.T) {
	p := newTestPoller()
	p.Stop()

	select {
	case _, ok := <-p.Messages():
		if ok {
			t.Error("expected the stream closed, got a message")
		}
	default:
		t.Error("stream still open after Stop")
	}

	// Stop is idempotent.
	p.Stop()
}

func TestProcess_CapturesMediaRef(t *testing.T) {
	p := newTestPoller()

	p.process("tok-1", tgUpdate{Message: &tgMessage{
		From:    &tgUser{ID: 100},
		Chat:    tgChat{ID: 100, Type: "private"},
		Caption: "trip photos",
		Photo:   []tgPhoto{{FileID: "small"}, {FileID: "large"}},
	}})

	select {
	case u := <-p.messages:
		if u.MediaRef != "large" {
			t.Errorf("expected largest photo's file id, got %q", u.MediaRef)
		}
		if u.Text != "trip photos" {
			t.Errorf("caption should become the text, got %q", u.Text)
		}
	default:
		t.Fatal("media message not queued")
	}
}
