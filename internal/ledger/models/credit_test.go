package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "carbonledger/pkg/domain-errors"
)

func newCredit(t *testing.T) *Credit {
	t.Helper()
	c, err := NewCredit(0, "D1", "alice", 100, time.Now())
	require.NoError(t, err)
	return c
}

func TestNewCredit(t *testing.T) {
	c := newCredit(t)
	assert.Equal(t, StatusUnverified, c.Status())
	assert.Equal(t, c.Producer, c.Owner)
	assert.Zero(t, c.Price)

	for _, co2 := range []int64{0, -5} {
		_, err := NewCredit(1, "D1", "alice", co2, time.Now())
		assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
	}
}

// TestCreditLifecycle walks every transition and the rejections guarding them.
func TestCreditLifecycle(t *testing.T) {
	c := newCredit(t)

	t.Run("cannot list before verification", func(t *testing.T) {
		assert.True(t, dErrors.HasCode(c.CanList("alice", 50), dErrors.CodeNotVerified))
		assert.True(t, dErrors.HasCode(c.CanPurchase("bob", 50), dErrors.CodeNotVerified))
	})

	t.Run("verify once", func(t *testing.T) {
		require.NoError(t, c.CanVerify())
		c.ApplyVerification("oracle", time.Now())
		assert.Equal(t, StatusVerified, c.Status())
		assert.True(t, dErrors.HasCode(c.CanVerify(), dErrors.CodeAlreadyVerified))
	})

	t.Run("list rejections in order", func(t *testing.T) {
		assert.True(t, dErrors.HasCode(c.CanList("bob", 50), dErrors.CodeNotOwner))
		assert.True(t, dErrors.HasCode(c.CanList("alice", 0), dErrors.CodeInvalidInput))
		assert.True(t, dErrors.HasCode(c.CanPurchase("bob", 50), dErrors.CodeNotForSale))
	})

	t.Run("list and relist", func(t *testing.T) {
		c.ApplyListing(50)
		assert.Equal(t, StatusListed, c.Status())
		require.NoError(t, c.CanList("alice", 60))
		c.ApplyListing(60)
		assert.Equal(t, int64(60), c.Price)
	})

	t.Run("purchase rejections", func(t *testing.T) {
		assert.True(t, dErrors.HasCode(c.CanPurchase("alice", 60), dErrors.CodeSelfTrade))
		assert.True(t, dErrors.HasCode(c.CanPurchase("bob", 59), dErrors.CodeInsufficientPayment))
	})

	t.Run("sale moves ownership and clears listing", func(t *testing.T) {
		require.NoError(t, c.CanPurchase("bob", 70))
		sale := c.ApplySale("bob")
		assert.Equal(t, Sale{CreditID: 0, Seller: "alice", Buyer: "bob", Price: 60}, sale)
		assert.Equal(t, StatusVerified, c.Status())
		assert.Equal(t, "bob", c.Owner.String())
		assert.Zero(t, c.Price)
		assert.True(t, c.Verified, "verification survives trades")
		assert.Equal(t, "alice", c.Producer.String())
	})
}

func TestCredit_CloneIsDeep(t *testing.T) {
	c := newCredit(t)
	c.ApplyVerification("oracle", time.Now())
	cp := c.Clone()
	*cp.VerifiedAt = cp.VerifiedAt.Add(time.Hour)
	cp.Owner = "mallory"
	assert.NotEqual(t, *c.VerifiedAt, *cp.VerifiedAt)
	assert.Equal(t, "alice", c.Owner.String())
}
