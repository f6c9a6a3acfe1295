package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"parcelnet/internal/config"
)

func TestConfigReservesEveryFixedAgentID(t *testing.T) {
	fixed := []string{WarehouseID, SupervisorID, RecordStoreID, RoutingID, CustomerID}
	assert.ElementsMatch(t, fixed, config.ReservedAgentIDs)
}
