package market_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/escrow-ledger/market"
)

func TestMoney_RejectsNegativeAndFractional(t *testing.T) {
	_, err := market.NewMoney(-1)
	assert.ErrorIs(t, err, market.ErrNegativeMoney)

	_, err = market.ParseMoney("-5")
	assert.ErrorIs(t, err, market.ErrNegativeMoney)

	_, err = market.ParseMoney("1.5")
	assert.ErrorIs(t, err, market.ErrFractionalMoney)

	_, err = market.ParseMoney("abc")
	assert.Error(t, err)
}

func TestMoney_SubUnderflowIsAnError(t *testing.T) {
	a := market.MustMoney(10)
	b := market.MustMoney(11)

	_, err := a.Sub(b)
	assert.ErrorIs(t, err, market.ErrMoneyUnderflow)

	diff, err := b.Sub(a)
	require.NoError(t, err)
	assert.True(t, diff.Equal(market.MustMoney(1)))
}

func TestMoney_DisplayUnits(t *testing.T) {
	// GIVEN: 0.25 ether entered in the form
	// WHEN: Converting to base units and back
	// THEN: Base units are wei and formatting round-trips

	m, err := market.ParseMoneyUnits("0.25", market.EtherDecimals)
	require.NoError(t, err)
	assert.Equal(t, "250000000000000000", m.String())
	assert.Equal(t, "0.25", m.Format(market.EtherDecimals))

	_, err = market.ParseMoneyUnits("0.0000000000000000001", market.EtherDecimals)
	assert.ErrorIs(t, err, market.ErrFractionalMoney)
}

func TestMoney_BeyondSixtyFourBits(t *testing.T) {
	big, err := market.ParseMoney("100000000000000000000000")
	require.NoError(t, err)
	sum := big.Add(big)
	assert.Equal(t, "200000000000000000000000", sum.String())
}

func TestMoney_JSON(t *testing.T) {
	m := market.MustMoney(1500)
	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Equal(t, `"1500"`, string(data))

	var back market.Money
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, back.Equal(m))

	require.NoError(t, json.Unmarshal([]byte(`42`), &back))
	assert.Equal(t, "42", back.String())

	assert.Error(t, json.Unmarshal([]byte(`"-1"`), &back))
}
