package service

import (
	"context"
	"sync"
)

// recorder captures everything a service pushes through the Sender so
// tests can assert on frames without a live router.
type recorder struct {
	mu sync.Mutex

	direct  map[string][]Response
	channel map[string][]channelSend
	subs    map[string]map[string]bool

	subErr error
}

type channelSend struct {
	payload Response
	exclude string
}

func newRecorder() *recorder {
	return &recorder{
		direct:  make(map[string][]Response),
		channel: make(map[string][]channelSend),
		subs:    make(map[string]map[string]bool),
	}
}

func (r *recorder) SendToChannel(ctx context.Context, channel string, payload any, excludeClientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channel[channel] = append(r.channel[channel], channelSend{
		payload: payload.(Response),
		exclude: excludeClientID,
	})
}

func (r *recorder) SendToClient(ctx context.Context, clientID string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.direct[clientID] = append(r.direct[clientID], payload.(Response))
}

func (r *recorder) SubscribeToChannel(ctx context.Context, clientID, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subErr != nil {
		return r.subErr
	}
	if r.subs[clientID] == nil {
		r.subs[clientID] = make(map[string]bool)
	}
	r.subs[clientID][channel] = true
	return nil
}

func (r *recorder) UnsubscribeFromChannel(ctx context.Context, clientID, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs[clientID], channel)
	return nil
}

func (r *recorder) lastDirect(clientID string) (Response, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	frames := r.direct[clientID]
	if len(frames) == 0 {
		return Response{}, false
	}
	return frames[len(frames)-1], true
}

func (r *recorder) channelEvents(channel string) []channelSend {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]channelSend, len(r.channel[channel]))
	copy(out, r.channel[channel])
	return out
}

func (r *recorder) subscribed(clientID, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[clientID][channel]
}
