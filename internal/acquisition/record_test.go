package acquisition_test

import (
	"math"
	"testing"
	"time"

	"codeberg.org/mutker/sweepctl/internal/acquisition"
	"github.com/stretchr/testify/assert"
)

func TestParseIdentity(t *testing.T) {
	tests := []struct {
		raw  string
		want acquisition.Identity
	}{
		{
			raw:  "VendorX,ModelY,SN1,FW2",
			want: acquisition.Identity{Vendor: "VendorX", Model: "ModelY", Serial: "SN1", Firmware: "FW2"},
		},
		{
			raw:  "VendorX",
			want: acquisition.Identity{Vendor: "VendorX", Model: "N/A", Serial: "N/A", Firmware: "N/A"},
		},
		{
			raw:  "",
			want: acquisition.Identity{Vendor: "N/A", Model: "N/A", Serial: "N/A", Firmware: "N/A"},
		},
		{
			raw:  "Keysight Technologies,E4980A,,A.02.11\r\n",
			want: acquisition.Identity{Vendor: "Keysight Technologies", Model: "E4980A", Serial: "N/A", Firmware: "A.02.11"},
		},
		{
			raw:  "V,M,S,1.0,build 7",
			want: acquisition.Identity{Vendor: "V", Model: "M", Serial: "S", Firmware: "1.0,build 7"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, acquisition.ParseIdentity(tt.raw))
		})
	}
}

func TestDerived(t *testing.T) {
	assert.Equal(t, 0.5, acquisition.Derived(2, 4))
	assert.Equal(t, -3.0, acquisition.Derived(6, -2))
	assert.Equal(t, 0.0, acquisition.Derived(5, 0))
	assert.Equal(t, 0.0, acquisition.Derived(0, 0))
	assert.Equal(t, 0.0, acquisition.Derived(math.MaxFloat64, 1e-300))
}

func TestNewRecord(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	id := acquisition.ParseIdentity("A,B,C,D")

	rec := acquisition.NewRecord(ts, id, 1.5, 3, 1.5)

	assert.Equal(t, ts, rec.Timestamp)
	assert.Equal(t, id, rec.Identity)
	assert.Equal(t, 1.5, rec.SetValue)
	assert.Equal(t, 2.0, rec.Derived)
}
