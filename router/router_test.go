package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmlink/identity"
	"swarmlink/message"
)

func TestDispatchToRegisteredHandler(t *testing.T) {
	r := New()

	var seen *message.Envelope
	r.Register(message.KindTaskRequest, func(env *message.Envelope) *message.Envelope {
		seen = env
		return nil
	})

	env, err := message.Broadcast("sender", message.KindTaskRequest, nil)
	require.NoError(t, err)

	resp := r.Dispatch(env)
	assert.Nil(t, resp)
	require.NotNil(t, seen)
	assert.Equal(t, env.ID, seen.ID)
}

func TestDispatchFallsBack(t *testing.T) {
	r := New()

	fallbackHit := false
	r.SetDefault(func(*message.Envelope) *message.Envelope {
		fallbackHit = true
		return nil
	})

	env, err := message.Broadcast("sender", message.Kind("custom"), nil)
	require.NoError(t, err)

	r.Dispatch(env)
	assert.True(t, fallbackHit)
}

func TestDispatchUnhandledIsSilent(t *testing.T) {
	r := New()
	env, err := message.Broadcast("sender", message.Kind("nobody-home"), nil)
	require.NoError(t, err)
	assert.Nil(t, r.Dispatch(env))
}

func TestRegisterReplacesHandler(t *testing.T) {
	r := New()
	r.Register(message.KindStateSync, func(*message.Envelope) *message.Envelope { return nil })

	replaced := false
	r.Register(message.KindStateSync, func(*message.Envelope) *message.Envelope {
		replaced = true
		return nil
	})
	require.Equal(t, 1, r.HandlerCount())

	env, err := message.Broadcast("sender", message.KindStateSync, nil)
	require.NoError(t, err)
	r.Dispatch(env)
	assert.True(t, replaced)
}

func TestHelloHandlerAnswersWelcome(t *testing.T) {
	self := identity.GeneratePeerID()
	h := HelloHandler(self)

	sender := identity.GeneratePeerID()
	env, err := message.New(sender, &self, message.KindHello,
		message.HelloPayload{Identity: identity.Generate("newcomer")})
	require.NoError(t, err)

	resp := h(env)
	require.NotNil(t, resp)
	assert.Equal(t, message.KindWelcome, resp.Kind)
	assert.Equal(t, self, resp.From)
	require.NotNil(t, resp.To)
	assert.Equal(t, sender, *resp.To)

	var welcome message.WelcomePayload
	require.NoError(t, resp.DecodePayload(&welcome))
	assert.Equal(t, "accepted", welcome.Status)
}

func TestHeartbeatHandlerEchoesTimestamp(t *testing.T) {
	self := identity.GeneratePeerID()
	h := HeartbeatHandler(self)

	sentAt := time.Now().UTC().Add(-2 * time.Second)
	env, err := message.New("sender", &self, message.KindHeartbeat,
		message.HeartbeatPayload{SentAt: sentAt})
	require.NoError(t, err)

	resp := h(env)
	require.NotNil(t, resp)
	assert.Equal(t, message.KindHeartbeatAck, resp.Kind)

	var hb message.HeartbeatPayload
	require.NoError(t, resp.DecodePayload(&hb))
	assert.Equal(t, sentAt.Unix(), hb.SentAt.Unix())
}

func TestGoodbyeHandlerNoResponse(t *testing.T) {
	h := GoodbyeHandler()
	env, err := message.Broadcast("sender", message.KindGoodbye, nil)
	require.NoError(t, err)
	assert.Nil(t, h(env))
}
