package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/invopop/jsonschema"

	"github.com/yamakiller/velcro-framework-sub001/pkg/config"
	"github.com/yamakiller/velcro-framework-sub001/pkg/streamer/blockcache"
	"github.com/yamakiller/velcro-framework-sub001/pkg/streamer/decompressor"
	"github.com/yamakiller/velcro-framework-sub001/pkg/streamer/device"
)

func main() {
	// Configuration files use the yaml field names.
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true, // Inline all definitions for simplicity
		FieldNameTag:              "yaml",
	}

	schema := reflector.Reflect(&config.Config{})

	schema.Title = "Velcro Streamer Configuration"
	schema.Description = "Configuration schema for the Velcro Streamer engine"
	schema.Version = "1.0.0"

	// Stage options are free-form maps in Config; publish each stage's
	// option schema alongside so editors can still complete them.
	schema.Definitions = jsonschema.Definitions{
		config.StageDecompressor:  reflector.Reflect(&decompressor.Config{}),
		config.StageBlockCache:    reflector.Reflect(&blockcache.Config{}),
		config.StageStorageDevice: reflector.Reflect(&device.Config{}),
	}

	schemaJSON, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error marshaling schema: %v\n", err)
		os.Exit(1)
	}

	outputFile := "config.schema.json"
	if len(os.Args) > 1 {
		outputFile = os.Args[1]
	}

	if err := os.WriteFile(outputFile, schemaJSON, 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing schema file: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("JSON schema written to %s\n", outputFile)
}
