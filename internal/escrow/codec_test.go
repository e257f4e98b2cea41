package escrow

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodecLayout(t *testing.T) {
	cp := testIdentity(0x22)
	rec := &Record{
		Creator:        testIdentity(0x11),
		Counterparty:   &cp,
		AssetID:        "degods",
		PredictedValue: 5000,
		ExpiryTime:     1_700_000_000,
		Collateral:     1000,
		Initialized:    true,
	}
	raw, err := MarshalRecord(rec)
	require.NoError(t, err)
	require.Len(t, raw, recordFixedSize+len("degods"))

	require.Equal(t, byte(0x11), raw[0])
	require.Equal(t, byte(1), raw[32])
	require.Equal(t, byte(0x22), raw[33])
	require.Equal(t, byte(len("degods")), raw[65])
	require.Equal(t, "degods", string(raw[66:72]))
	// predicted value, little-endian
	require.Equal(t, []byte{0x88, 0x13, 0, 0, 0, 0, 0, 0}, raw[72:80])

	decoded, err := UnmarshalRecord(raw)
	require.NoError(t, err)
	require.Equal(t, rec, decoded)
}

func TestCodecSettledRecord(t *testing.T) {
	cp := testIdentity(0x22)
	winner := testIdentity(0x11)
	rec := &Record{
		Creator:        winner,
		Counterparty:   &cp,
		AssetID:        strings.Repeat("z", MaxAssetIDLength),
		PredictedValue: 1,
		ExpiryTime:     -5,
		Collateral:     2,
		Profit:         3,
		Initialized:    true,
		Settled:        true,
		Winner:         &winner,
		ObservedValue:  99,
	}
	raw, err := MarshalRecord(rec)
	require.NoError(t, err)
	require.Len(t, raw, MaxRecordSize)

	decoded, err := UnmarshalRecord(raw)
	require.NoError(t, err)
	require.Equal(t, rec, decoded)
}

func TestCodecRejectsMalformed(t *testing.T) {
	rec := &Record{Creator: testIdentity(0x01), AssetID: "a", Initialized: true, Collateral: 1}
	raw, err := MarshalRecord(rec)
	require.NoError(t, err)

	_, err = UnmarshalRecord(raw[:len(raw)-1])
	require.Error(t, err)

	_, err = UnmarshalRecord(append(append([]byte{}, raw...), 0))
	require.Error(t, err)

	bad := append([]byte{}, raw...)
	bad[32] = 7
	_, err = UnmarshalRecord(bad)
	require.Error(t, err)

	// Counterparty flag says absent but the identity slot carries data.
	padded := append([]byte{}, raw...)
	padded[33] = 0xAA
	_, err = UnmarshalRecord(padded)
	require.ErrorContains(t, err, "non-zero padding")

	// Last byte of the absent winner slot, just before observed(8).
	winnerPad := append([]byte{}, raw...)
	winnerPad[len(winnerPad)-8-1] = 0x01
	_, err = UnmarshalRecord(winnerPad)
	require.ErrorContains(t, err, "non-zero padding")

	_, err = MarshalRecord(&Record{AssetID: strings.Repeat("a", MaxAssetIDLength+1)})
	require.ErrorIs(t, err, ErrInvalidArgument)
}
