package perffile

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestWriteReadRoundTrip exercises Write and New back to back: a File
// built entirely in memory (no Open), serialized, and read back.
func TestWriteReadRoundTrip(t *testing.T) {
	f := &File{
		Meta: FileMeta{
			Hostname:  "build-host-1",
			OSRelease: "6.1.0",
		},
		attrs: []fileAttr{
			{Attr: EventAttr{
				Event:        EventHardware(0),
				SampleFormat: SampleFormatIP | SampleFormatTID,
				SamplePeriod: 4000,
			}},
		},
	}

	records := []Record{
		&RecordLost{
			RecordCommon: RecordCommon{Raw: []byte{1, 2, 3, 4, 5, 6, 7, 8}},
			NumLost:      3,
		},
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, f, records))

	got, err := New(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	require.Equal(t, "build-host-1", got.Meta.Hostname)
	require.Equal(t, "6.1.0", got.Meta.OSRelease)
	require.Len(t, got.Events, 1)
	require.Equal(t, EventHardware(0), got.Events[0].Event)
	require.Equal(t, SampleFormatIP|SampleFormatTID, got.Events[0].SampleFormat)
	require.Equal(t, uint64(4000), got.Events[0].SamplePeriod)
}
