package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/observer/carechat/internal/domain"
)

func TestParseBooking(t *testing.T) {
	id, participants, err := parseBooking("b-1=cust,care")
	require.NoError(t, err)
	assert.Equal(t, "b-1", id)
	require.Len(t, participants, 2)
	assert.Equal(t, domain.RoleCustomer, participants[0].Role)
	assert.Equal(t, "care", participants[1].UserID)

	for _, bad := range []string{"b-1", "=a,b", "b-1=a", "b-1=a,", "b-1=a,b,c"} {
		_, _, err := parseBooking(bad)
		assert.Error(t, err, bad)
	}
}
