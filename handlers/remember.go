package handlers

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Perceptus-Labs/perceptus-sight/models"
)

// Remember captures the current frame and opens the naming dialog.
func (o *Orchestrator) Remember() error {
	return o.do(func() error {
		if o.processing {
			return models.ErrBusy
		}
		image, ok := o.deps.Capture.Capture()
		if !ok {
			o.logger.Info("No frame available to remember")
			return models.ErrCaptureUnavailable
		}
		o.pendingFrame = image
		o.dialogOpen = true
		return nil
	})
}

// SaveRemembered binds name to the pending frame. The dialog closes either way.
func (o *Orchestrator) SaveRemembered(name string) error {
	return o.do(func() error {
		if !o.dialogOpen {
			return models.ErrNoPendingPerson
		}
		image := o.pendingFrame
		o.dialogOpen = false
		o.pendingFrame = ""

		name = strings.TrimSpace(name)
		if name == "" {
			return models.ErrEmptyName
		}

		person := models.RememberedPerson{
			ID:        uuid.NewString(),
			Name:      name,
			Image:     image,
			CreatedAt: time.Now(),
		}
		o.people = append(o.people, person)
		o.logger.Info("Person remembered", zap.String("person_id", person.ID), zap.String("name", name))
		o.speak("I'll remember "+name+".", o.policy())
		return nil
	})
}

// CancelRemember discards the pending frame.
func (o *Orchestrator) CancelRemember() error {
	return o.do(func() error {
		if !o.dialogOpen {
			return models.ErrNoPendingPerson
		}
		o.dialogOpen = false
		o.pendingFrame = ""
		return nil
	})
}
