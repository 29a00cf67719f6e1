// Package device provides the paired-device store for the Decora bridge.
//
// It is the persistent catalogue of every Decora controller the bridge
// knows about: hardware address, pairing API key, display name, Device
// Information Service metadata, and the last confirmed light state. The
// bridge seeds retained MQTT state from it on startup and writes back
// confirmed state and availability transitions as they happen.
//
// # Key Types
//
//   - Device: A single paired controller record
//   - Repository: Persistence interface, implemented by SQLiteRepository
//   - Registry: Thread-safe cache layered over a Repository
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db)
//	registry := device.NewRegistry(repo)
//	registry.SetLogger(log)
//
//	// Load devices into cache on startup
//	if err := registry.RefreshCache(ctx); err != nil {
//	    return err
//	}
//
//	// Record a freshly paired device
//	dev := &device.Device{
//	    Name:     "Porch",
//	    Address:  "c4:0d:96:11:22:33", // canonicalized on save
//	    APIKey:   "27b10455",
//	    Model:    "DW6HD",
//	    Dimmable: true,
//	}
//	if err := registry.SaveDevice(ctx, dev); err != nil {
//	    return err
//	}
//
//	// Hot paths used by the bridge
//	registry.SetDeviceState(ctx, dev.Address, true, 60)
//	registry.SetDeviceAvailability(ctx, dev.Address, true)
//
// # Thread Safety
//
// The Registry is safe for concurrent use. All operations are protected by
// a read-write mutex. The Repository implementation must also be thread-safe.
package device
