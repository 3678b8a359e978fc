package call

import (
	"context"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPionFactory_OfferAnswer(t *testing.T) {
	assert := assert.New(t)
	factory := NewPionFactory(nil)

	media, err := SyntheticSource{}.Acquire(context.Background(), KindVideo)
	require.NoError(t, err)
	defer media.Stop()

	caller, err := factory.NewPeer(PeerHandlers{})
	require.NoError(t, err)
	defer caller.Close()
	require.NoError(t, caller.AddLocalMedia(media))

	offer, err := caller.CreateOffer()
	require.NoError(t, err)
	assert.Equal(webrtc.SDPTypeOffer, offer.Type)
	assert.Contains(offer.SDP, "opus")
	assert.Contains(offer.SDP, "VP8")

	agent, err := factory.NewPeer(PeerHandlers{})
	require.NoError(t, err)
	defer agent.Close()

	answer, err := agent.AcceptOffer(offer)
	require.NoError(t, err)
	assert.Equal(webrtc.SDPTypeAnswer, answer.Type)

	require.NoError(t, caller.AcceptAnswer(answer))
	assert.Error(caller.AcceptAnswer(answer))
}
