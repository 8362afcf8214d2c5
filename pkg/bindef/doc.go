// Package bindef provides a high-level API for decoding and encoding binary
// data using declarative layout files.
//
// This package simplifies the use of the layout engine in Go applications by
// handling layout loading, compilation caching, and JSON conversion.
//
// Basic usage:
//
//	// Decode binary data to a map
//	data, err := bindef.DecodeBinary(binaryData, "path/to/format.bdl.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Decode to JSON
//	jsonData, err := bindef.DecodeToJSON(binaryData, "path/to/format.bdl.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Convert JSON back to binary
//	binaryData, err := bindef.EncodeFromJSON(jsonData, "path/to/format.bdl.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package bindef
