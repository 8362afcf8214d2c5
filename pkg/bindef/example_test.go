package bindef_test

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/twinfer/bindef/pkg/bindef"
)

func Example() {
	dir, err := os.MkdirTemp("", "bindef-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(dir)

	layoutPath := filepath.Join(dir, "sensor.bdl.yaml")
	layoutYAML := `
meta:
  id: sensor_reading
  endian: be
seq:
  - id: sensor_id
    type: u1
  - id: temperature
    type: s2
  - id: humidity
    type: u1
`
	if err := os.WriteFile(layoutPath, []byte(layoutYAML), 0o644); err != nil {
		log.Fatal(err)
	}

	reading := []byte{0x07, 0xFF, 0xF6, 0x55}
	result, err := bindef.DecodeBinary(reading, layoutPath)
	if err != nil {
		log.Fatal(err)
	}

	fmt.Printf("sensor %d: %d centidegrees, %d%% humidity\n",
		result["sensor_id"], result["temperature"], result["humidity"])
	// Output: sensor 7: -10 centidegrees, 85% humidity
}
