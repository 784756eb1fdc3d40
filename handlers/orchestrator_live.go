package handlers

import (
	"context"

	"go.uber.org/zap"

	"github.com/Perceptus-Labs/perceptus-sight/models"
)

// ToggleLive starts live mode, or stops it when it is already running.
func (o *Orchestrator) ToggleLive() error {
	return o.do(o.handleLive)
}

func (o *Orchestrator) handleLive() error {
	if o.action == models.ActionLive {
		o.globalStop("live toggled off")
		return nil
	}

	// Live mode preempts whatever else is running.
	o.globalStop("live requested")
	token := o.beginAction(models.ActionLive)
	o.liveToken = token
	o.live = true
	o.processing = true

	p := o.policy()
	o.speak(models.CueLiveStarting, p)

	opts := models.LiveOptions{
		Voice:    p.voice,
		Language: p.language.Name,
		OnClose: func(err error) {
			go func() {
				_ = o.do(func() error {
					o.handleLiveClosed(token, err)
					return nil
				})
			}()
		},
	}

	o.spawn(func() {
		session, err := o.deps.Live.StartLive(o.ctx, opts)
		delivered := o.do(func() error {
			o.handleLiveOpened(token, session, err, p)
			return nil
		})
		if delivered != nil && session != nil {
			o.closeLiveSession(session)
		}
	})
	o.logger.Info("Opening live session", zap.String("voice", string(p.voice)))
	return nil
}

func (o *Orchestrator) handleLiveOpened(token string, session models.LiveSession, err error, p speechPolicy) {
	if token != o.liveToken {
		if session != nil {
			o.logger.Debug("Closing live session opened after stop")
			o.spawn(func() { o.closeLiveSession(session) })
		}
		return
	}

	if err != nil {
		o.logger.Error("Failed to start live session", zap.Error(err))
		o.deps.Metrics.ObserveAction(string(models.ActionLive), "failed")
		o.liveToken = ""
		o.live = false
		o.finishAction()
		o.speak(models.MsgLiveFailed, p)
		return
	}

	o.liveSession = session
	o.processing = false
	o.startFeed(session)
	o.deps.Metrics.ObserveAction(string(models.ActionLive), "started")
	o.logger.Info("Live session established")
}

func (o *Orchestrator) handleLiveClosed(token string, err error) {
	if token != o.liveToken {
		return
	}
	o.logger.Info("Live session ended by server", zap.Error(err))
	o.stopLive()
	o.finishAction()
}

// startFeed pushes a captured frame into session on every tick until stopLive.
func (o *Orchestrator) startFeed(session models.LiveSession) {
	ctx, cancel := context.WithCancel(o.ctx)
	done := make(chan struct{})
	tick, stopTick := o.cfg.NewTicker(o.cfg.FramePeriod)
	o.feedCancel = cancel
	o.feedDone = done

	go func() {
		defer close(done)
		defer stopTick()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick:
			}
			if ctx.Err() != nil {
				return
			}
			image, ok := o.deps.Capture.Capture()
			if !ok {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if err := session.SendVideoFrame(image); err != nil {
				o.logger.Debug("Failed to push live frame", zap.Error(err))
				continue
			}
			o.deps.Metrics.FramePushed()
		}
	}()
}

// stopLive ends the frame feed, waits for it, then tears the session down.
func (o *Orchestrator) stopLive() {
	o.liveToken = ""
	if o.feedCancel != nil {
		o.feedCancel()
		<-o.feedDone
		o.feedCancel = nil
		o.feedDone = nil
	}
	if o.liveSession != nil {
		o.closeLiveSession(o.liveSession)
		o.liveSession = nil
	}
	o.live = false
}

func (o *Orchestrator) closeLiveSession(session models.LiveSession) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.LiveTeardownTimeout)
	defer cancel()
	if err := session.Stop(ctx); err != nil {
		o.logger.Warn("Live session teardown failed", zap.Error(err))
	}
}
