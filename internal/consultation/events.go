package consultation

import (
	"encoding/json"
	"errors"

	"github.com/preetsinghmakkar/CounselCall/internal/dtos"
	"github.com/preetsinghmakkar/CounselCall/internal/models"
	"github.com/preetsinghmakkar/CounselCall/internal/peer"
)

const (
	eventJoin           = dtos.EventJoinConsultation
	eventLeave          = dtos.EventLeaveConsultation
	eventSignal         = dtos.EventWebRTCSignal
	eventUpdateSettings = dtos.EventUpdateVideoSettings
	eventScreenShare    = dtos.EventScreenShareRequest
	eventChat           = dtos.EventConsultationMessage
	eventMeetingControl = dtos.EventMeetingControl
)

func joinRequest(sessionID string) dtos.JoinConsultationRequest {
	return dtos.JoinConsultationRequest{SessionID: sessionID}
}

func leaveRequest(sessionID string) dtos.LeaveConsultationRequest {
	return dtos.LeaveConsultationRequest{SessionID: sessionID}
}

func settingsRequest(sessionID string, s models.MediaSettings) dtos.UpdateVideoSettingsRequest {
	return dtos.UpdateVideoSettingsRequest{SessionID: sessionID, HasVideo: s.HasVideo, HasAudio: s.HasAudio}
}

func screenShareRequest(sessionID string, sharing bool) dtos.ScreenShareRequest {
	return dtos.ScreenShareRequest{SessionID: sessionID, IsSharing: sharing}
}

func chatRequest(sessionID, text string) dtos.ConsultationMessageRequest {
	return dtos.ConsultationMessageRequest{SessionID: sessionID, Message: text, RoomID: sessionID}
}

func endMeetingRequest(sessionID string) dtos.MeetingControlRequest {
	return dtos.MeetingControlRequest{SessionID: sessionID, Action: dtos.MeetingActionEnd}
}

// bind registers the room event handlers on ch. Every handler ignores
// events once attempt is no longer current.
func (c *Coordinator) bind(ch Channel, attempt uint64) {
	ch.On(dtos.EventExistingParticipants, func(raw json.RawMessage) {
		var roster []models.Participant
		if err := decode(raw, &roster); err != nil {
			c.log.Warn().Err(err).Msg("bad existing-participants payload")
			return
		}
		c.onExistingParticipants(ch, attempt, roster)
	})

	ch.On(dtos.EventParticipantJoined, func(raw json.RawMessage) {
		var p models.Participant
		if err := decode(raw, &p); err != nil || p.ConnectionID == "" {
			c.log.Warn().Err(err).Msg("bad participant-joined payload")
			return
		}
		c.onParticipantJoined(ch, attempt, p)
	})

	ch.On(dtos.EventParticipantLeft, func(raw json.RawMessage) {
		var left dtos.ParticipantLeftPayload
		if err := decode(raw, &left); err != nil {
			c.log.Warn().Err(err).Msg("bad participant-left payload")
			return
		}
		c.onParticipantLeft(attempt, left)
	})

	ch.On(dtos.EventWebRTCSignal, func(raw json.RawMessage) {
		var s dtos.WebRTCSignalPayload
		if err := decode(raw, &s); err != nil || s.SourceConnectionID == "" {
			c.log.Warn().Err(err).Msg("bad webrtc-signal payload")
			return
		}
		c.onSignal(attempt, s.SourceConnectionID, s.Signal)
	})

	ch.On(dtos.EventParticipantSettingsUpdated, func(raw json.RawMessage) {
		var s dtos.ParticipantSettingsPayload
		if err := decode(raw, &s); err != nil {
			return
		}
		c.updateParticipant(attempt, s.UserID, func(p *models.Participant) {
			p.HasVideo, p.HasAudio = s.HasVideo, s.HasAudio
		})
	})

	ch.On(dtos.EventScreenShareStarted, func(raw json.RawMessage) {
		var s dtos.ScreenSharePayload
		if err := decode(raw, &s); err != nil {
			return
		}
		c.updateParticipant(attempt, s.UserID, func(p *models.Participant) {
			p.IsScreenSharing = s.IsSharing
		})
	})

	ch.On(dtos.EventConsultationMessage, func(raw json.RawMessage) {
		var msg models.RoomMessage
		if err := decode(raw, &msg); err != nil {
			return
		}
		c.mu.Lock()
		if c.attempt != attempt {
			c.mu.Unlock()
			return
		}
		c.messages = append(c.messages, msg)
		c.mu.Unlock()

		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(msg)
		}
	})

	ch.On(dtos.EventMeetingEnded, func(json.RawMessage) {
		if !c.isCurrent(attempt) {
			return
		}
		c.log.Info().Msg("meeting ended")
		c.teardown()
		if c.cfg.OnEnded != nil {
			c.cfg.OnEnded()
		}
	})

	ch.On(dtos.EventError, func(raw json.RawMessage) {
		var e dtos.ErrorPayload
		if err := decode(raw, &e); err != nil || e.Message == "" {
			e.Message = "signaling server error"
		}
		c.onServerError(attempt, e.Code, errors.New(e.Message))
	})

	ch.On(dtos.EventPong, func(json.RawMessage) {})

	ch.OnDisconnect(func(err error) {
		c.onChannelLost(attempt, err)
	})
}

func (c *Coordinator) onExistingParticipants(ch Channel, attempt uint64, roster []models.Participant) {
	c.mu.Lock()
	if c.attempt != attempt {
		c.mu.Unlock()
		return
	}
	var fresh []models.Participant
	for _, p := range roster {
		if _, ok := c.peers[p.ConnectionID]; ok {
			continue
		}
		c.putParticipant(p)
		fresh = append(fresh, p)
	}
	c.state = StateActive
	wait := c.joinWait
	c.joinWait = nil
	c.mu.Unlock()

	c.log.Debug().Int("present", len(roster)).Msg("roster received")

	// the newcomer answers; everyone already present offers
	for _, p := range fresh {
		c.createLink(ch, attempt, p, false)
	}
	c.notifyParticipants()

	if wait != nil {
		wait <- nil
	}
}

func (c *Coordinator) onParticipantJoined(ch Channel, attempt uint64, p models.Participant) {
	c.mu.Lock()
	if c.attempt != attempt {
		c.mu.Unlock()
		return
	}
	if _, ok := c.peers[p.ConnectionID]; ok {
		c.mu.Unlock()
		return
	}
	// a reconnect replaces the user's previous connection
	var stale peer.Link
	if prev, ok := c.participants[p.UserID]; ok && prev.ConnectionID != p.ConnectionID {
		stale = c.removePeer(prev.ConnectionID)
	}
	c.putParticipant(p)
	c.mu.Unlock()

	if stale != nil {
		stale.Destroy()
	}
	c.log.Debug().Str("user_id", p.UserID).Str("connection_id", p.ConnectionID).Msg("participant joined")

	c.createLink(ch, attempt, p, true)
	c.notifyParticipants()
}

func (c *Coordinator) onParticipantLeft(attempt uint64, left dtos.ParticipantLeftPayload) {
	c.mu.Lock()
	if c.attempt != attempt {
		c.mu.Unlock()
		return
	}
	connID := left.ConnectionID
	changed := false
	if p, ok := c.participants[left.UserID]; ok && (connID == "" || connID == p.ConnectionID) {
		connID = p.ConnectionID
		c.dropParticipant(left.UserID)
		changed = true
	}
	link := c.removePeer(connID)
	c.mu.Unlock()

	if link != nil {
		link.Destroy()
	}
	c.log.Debug().Str("user_id", left.UserID).Str("connection_id", connID).Msg("participant left")
	if changed {
		c.notifyParticipants()
	}
}

func (c *Coordinator) onSignal(attempt uint64, source string, signal json.RawMessage) {
	c.mu.Lock()
	if c.attempt != attempt {
		c.mu.Unlock()
		return
	}
	entry, ok := c.peers[source]
	if !ok || entry.link == nil {
		if c.signals.add(source, signal) {
			c.log.Warn().Str("connection_id", source).Msg("signal buffer full, dropped oldest")
		}
		c.mu.Unlock()
		return
	}
	link, gen := entry.link, entry.gen
	c.mu.Unlock()

	c.applySignal(source, gen, link, signal)
}

func (c *Coordinator) applySignal(source string, gen uint64, link peer.Link, signal json.RawMessage) {
	err := link.Signal(signal)
	switch {
	case err == nil, errors.Is(err, peer.ErrClosed):
	case errors.Is(err, peer.ErrNegotiation):
		c.linkLost(source, gen, err)
	default:
		c.report(&Error{Kind: KindNegotiation, ConnectionID: source, UserID: c.userOf(source), Err: err})
	}
}

func (c *Coordinator) onServerError(attempt uint64, code string, err error) {
	// a signal raced the target's departure; its participant-left follows
	if code == dtos.ErrorCodeTargetNotFound {
		c.log.Debug().Err(err).Msg("signal target already gone")
		return
	}

	c.mu.Lock()
	if c.attempt != attempt {
		c.mu.Unlock()
		return
	}
	wait := c.joinWait
	if c.state == StateJoining {
		c.joinWait = nil
	}
	joining := c.state == StateJoining
	c.mu.Unlock()

	if joining && wait != nil {
		wait <- err
		return
	}
	c.log.Warn().Err(err).Str("code", code).Msg("server rejected request")
	c.report(&Error{Kind: KindServer, Err: err})
}

// onChannelLost handles a drop the coordinator did not ask for.
func (c *Coordinator) onChannelLost(attempt uint64, err error) {
	c.mu.Lock()
	if c.attempt != attempt {
		c.mu.Unlock()
		return
	}
	wait := c.joinWait
	c.joinWait = nil
	c.mu.Unlock()

	if wait != nil {
		wait <- err
		return
	}
	c.log.Warn().Err(err).Msg("signaling channel lost")
	c.teardown()
	c.report(&Error{Kind: KindChannel, Err: err})
}

func (c *Coordinator) updateParticipant(attempt uint64, userID string, apply func(p *models.Participant)) {
	c.mu.Lock()
	p, ok := c.participants[userID]
	if c.attempt != attempt || !ok {
		c.mu.Unlock()
		return
	}
	apply(p)
	c.mu.Unlock()

	c.notifyParticipants()
}

// createLink builds the link to p outside the lock. If the participant left
// or the session ended meanwhile, the new link is destroyed.
func (c *Coordinator) createLink(ch Channel, attempt uint64, p models.Participant, initiator bool) {
	c.mu.Lock()
	if c.attempt != attempt {
		c.mu.Unlock()
		return
	}
	c.nextGen++
	gen := c.nextGen
	c.peers[p.ConnectionID] = &peerEntry{userID: p.UserID, gen: gen}
	c.mu.Unlock()

	link, err := c.links.NewLink(p.ConnectionID, initiator, c.media.Stream(), c.linkEvents(ch, p.ConnectionID, gen))
	if err != nil {
		c.mu.Lock()
		if entry, ok := c.peers[p.ConnectionID]; ok && entry.gen == gen {
			delete(c.peers, p.ConnectionID)
		}
		c.mu.Unlock()
		c.log.Warn().Err(err).Str("connection_id", p.ConnectionID).Msg("could not create peer link")
		c.report(&Error{Kind: KindNegotiation, ConnectionID: p.ConnectionID, UserID: p.UserID, Err: err})
		return
	}

	c.mu.Lock()
	entry, ok := c.peers[p.ConnectionID]
	if !ok || entry.gen != gen {
		c.mu.Unlock()
		link.Destroy()
		return
	}
	entry.link = link
	buffered := c.signals.take(p.ConnectionID)
	c.mu.Unlock()

	c.log.Debug().Str("connection_id", p.ConnectionID).Bool("initiator", initiator).Int("replayed", len(buffered)).Msg("peer link created")
	for _, s := range buffered {
		c.applySignal(p.ConnectionID, gen, link, s)
	}
}

func (c *Coordinator) linkEvents(ch Channel, connID string, gen uint64) peer.Events {
	return peer.Events{
		OnSignal: func(signal json.RawMessage) {
			// links that were removed keep negotiating until destroyed
			c.mu.Lock()
			entry, ok := c.peers[connID]
			current := ok && entry.gen == gen
			c.mu.Unlock()
			if !current {
				c.log.Debug().Str("connection_id", connID).Msg("dropped signal from removed link")
				return
			}
			if err := ch.Send(eventSignal, dtos.WebRTCSignalRequest{
				TargetConnectionID: connID,
				SessionID:          c.cfg.SessionID,
				Signal:             signal,
			}); err != nil {
				c.log.Debug().Err(err).Str("connection_id", connID).Msg("signal not sent")
			}
		},
		OnStream: func(stream *peer.RemoteStream) {
			c.mu.Lock()
			entry, ok := c.peers[connID]
			var p models.Participant
			if ok && entry.gen == gen {
				if known, found := c.participants[entry.userID]; found {
					p = *known
				}
			}
			c.mu.Unlock()

			if ok && entry.gen == gen && c.cfg.OnRemoteStream != nil {
				c.cfg.OnRemoteStream(p, stream)
			}
		},
		OnConnected: func() {
			c.log.Info().Str("connection_id", connID).Msg("peer connected")
		},
		OnFailed: func(err error) {
			c.linkLost(connID, gen, err)
		},
		OnClosed: func() {
			c.linkLost(connID, gen, peer.ErrClosed)
		},
	}
}

// linkLost removes a link that failed or closed on its own. The participant
// stays in the roster.
func (c *Coordinator) linkLost(connID string, gen uint64, err error) {
	c.mu.Lock()
	entry, ok := c.peers[connID]
	if !ok || entry.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.peers, connID)
	userID := entry.userID
	link := entry.link
	c.mu.Unlock()

	if link != nil {
		link.Destroy()
	}
	c.log.Warn().Err(err).Str("connection_id", connID).Str("user_id", userID).Msg("peer link lost")
	c.report(&Error{Kind: KindNegotiation, ConnectionID: connID, UserID: userID, Err: err})
}

func (c *Coordinator) userOf(connID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok := c.peers[connID]; ok {
		return entry.userID
	}
	return ""
}

// putParticipant must be called with c.mu held.
func (c *Coordinator) putParticipant(p models.Participant) {
	if _, ok := c.participants[p.UserID]; !ok {
		c.order = append(c.order, p.UserID)
	}
	stored := p
	c.participants[p.UserID] = &stored
}

// dropParticipant must be called with c.mu held.
func (c *Coordinator) dropParticipant(userID string) {
	delete(c.participants, userID)
	for i, id := range c.order {
		if id == userID {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// removePeer must be called with c.mu held. It returns the link to destroy.
func (c *Coordinator) removePeer(connID string) peer.Link {
	c.signals.drop(connID)
	entry, ok := c.peers[connID]
	if !ok {
		return nil
	}
	delete(c.peers, connID)
	return entry.link
}
