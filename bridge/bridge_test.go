package bridge_test

import (
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/everclear/mark/bridge"
	"github.com/everclear/mark/bridge/mocks"
)

func TestConvertStringToBridge(t *testing.T) {
	assert.Equal(t, Across, ConvertStringToBridge("Across"))
	assert.Equal(t, CCTPV1, ConvertStringToBridge("cctp"))
	assert.Equal(t, CCTPV2, ConvertStringToBridge("CCTPV2"))
	assert.Equal(t, TAC, ConvertStringToBridge("tac"))
	assert.Equal(t, UnknownBridge, ConvertStringToBridge("teleport"))
}

func TestRegistry(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	across := mocks.NewMockAdapter(ctrl)
	across.EXPECT().Type().Return(Across).AnyTimes()
	cctp := mocks.NewMockAdapter(ctrl)
	cctp.EXPECT().Type().Return(CCTPV2).AnyTimes()

	r := NewRegistry()
	r.Register(cctp)
	r.Register(across)

	got, err := r.Get(Across)
	require.NoError(t, err)
	assert.Equal(t, across, got)

	_, err = r.Get(Near)
	assert.Error(t, err)

	assert.Equal(t, []SupportedBridge{Across, CCTPV2}, r.Tags())

	// Re-registering a tag replaces the adapter.
	across2 := mocks.NewMockAdapter(ctrl)
	across2.EXPECT().Type().Return(Across).AnyTimes()
	r.Register(across2)
	got, err = r.Get(Across)
	require.NoError(t, err)
	assert.Equal(t, across2, got)
}
