package degrade

import (
	"encoding/json"

	"github.com/wisbric/governor/pkg/reservoir"
)

// marshalReservoir/unmarshalReservoir round-trip only the exported fields
// of reservoir.State (Samples, TotalSeen, LastUpdateMs); capacity and the
// percentile cache are reattached by reservoir.FromState on load.
func marshalReservoir(s *reservoir.State) ([]byte, error) {
	return json.Marshal(s)
}

func unmarshalReservoir(raw []byte) (reservoir.State, error) {
	var s reservoir.State
	if err := json.Unmarshal(raw, &s); err != nil {
		return reservoir.State{}, err
	}
	return s, nil
}
