// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-kmstoken.
//
// go-kmstoken is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"encoding/binary"
	"fmt"

	"github.com/jeremyhahn/go-kmstoken/pkg/kmscng"
	"github.com/jeremyhahn/go-kmstoken/pkg/property"
	"github.com/spf13/cobra"
)

// propertyDecoder turns a raw property value into something printable.
type propertyDecoder func([]byte) (interface{}, error)

func decodeDWORD(b []byte) (interface{}, error) { return property.ParseDWORD(b) }

func decodeString(b []byte) (interface{}, error) { return property.ParseWideString(b) }

func decodeHandle(b []byte) (interface{}, error) {
	if len(b) != 8 {
		return nil, fmt.Errorf("handle property has %d bytes", len(b))
	}
	return fmt.Sprintf("%#016x", binary.LittleEndian.Uint64(b)), nil
}

type propertySpec struct {
	name   property.Name
	decode propertyDecoder
}

var providerProperties = []propertySpec{
	{kmscng.PropertyImplType, decodeDWORD},
	{kmscng.PropertyEndpointAddress, decodeString},
	{kmscng.PropertyChannelCredentials, decodeString},
}

var keyProperties = []propertySpec{
	{kmscng.PropertyAlgorithmGroup, decodeString},
	{kmscng.PropertyAlgorithmName, decodeString},
	{kmscng.PropertyLength, decodeDWORD},
	{kmscng.PropertyKeyUsage, decodeDWORD},
	{kmscng.PropertyKeyImplType, decodeDWORD},
	{kmscng.PropertyKMSKeyName, decodeString},
	{kmscng.PropertyProviderHandle, decodeHandle},
}

// readProperties reads every spec with the size-then-fill protocol.
func readProperties(specs []propertySpec, get func(property.Name, []byte) (int, error)) ([]PropertyValue, error) {
	values := make([]PropertyValue, 0, len(specs))
	for _, spec := range specs {
		size, err := get(spec.name, nil)
		if err != nil {
			return nil, cngError(fmt.Sprintf("property %q size", spec.name), err)
		}
		buf := make([]byte, size)
		n, err := get(spec.name, buf)
		if err != nil {
			return nil, cngError(fmt.Sprintf("property %q", spec.name), err)
		}
		v, err := spec.decode(buf[:n])
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", spec.name, err)
		}
		values = append(values, PropertyValue{Name: string(spec.name), Value: v})
	}
	return values, nil
}

// propertiesCmd prints CNG provider or key properties
var propertiesCmd = &cobra.Command{
	Use:   "properties [key-version-name]",
	Short: "Print CNG provider or key properties",
	Long: `Without arguments, print the properties of the CNG key storage
provider. With a CryptoKeyVersion name, open that key and print its
properties.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := getConfig().Load()
		if err != nil {
			return err
		}
		bridge, err := getConfig().NewBridge(cfg)
		if err != nil {
			return err
		}
		defer bridge.Close()

		provider, err := bridge.OpenProvider(kmscng.ProviderName, 0)
		if err != nil {
			return cngError("open provider", err)
		}
		printer := NewPrinter(getConfig().OutputFormat, cmd.OutOrStdout())

		if len(args) == 0 {
			values, err := readProperties(providerProperties, func(name property.Name, out []byte) (int, error) {
				return bridge.GetProviderProperty(provider, name, out, 0)
			})
			if err != nil {
				return err
			}
			return printer.PrintProperties(kmscng.ProviderName, values)
		}

		key, err := bridge.OpenKey(cmd.Context(), provider, args[0], kmscng.KeySpecSignature, 0)
		if err != nil {
			return cngError("open key", err)
		}
		values, err := readProperties(keyProperties, func(name property.Name, out []byte) (int, error) {
			return bridge.GetKeyProperty(provider, key, name, out, 0)
		})
		if err != nil {
			return err
		}
		return printer.PrintProperties(args[0], values)
	},
}
