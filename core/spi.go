// SPI bus device management.
// Handles the host-side SPI configuration protocol used to wire the
// ADS1220 front end to a hardware or software SPI bus.
package core

import (
	"errors"

	"tinygo.org/x/drivers"

	"loadcell/protocol"
)

// SPI device flags
const (
	SF_HARDWARE       = 0x00 // Hardware SPI
	SF_SOFTWARE       = 0x01 // Software SPI (bit-banged)
	SF_CS_ACTIVE_HIGH = 0x02 // Chip select active high (default is active low)
	SF_HAVE_PIN       = 0x04 // Has chip select pin
)

// SPIDevice represents a configured SPI device
type SPIDevice struct {
	OID   uint8  // Object ID
	Flags uint8  // Device flags (hardware/software, CS polarity, etc.)
	Pin   uint32 // Chip select pin (if SF_HAVE_PIN is set)

	// Bus configuration (set by spi_set_bus)
	BusHandle drivers.SPI // Bus from ConfigureBus/ConfigureSoftwareSPI
	BusID     SPIBusID    // Hardware bus ID
	Mode      SPIMode     // SPI mode (0-3)
	Rate      uint32      // Clock rate in Hz

	// Shutdown safety
	ShutdownMsg []byte // Message to send on shutdown
}

// Global registry of SPI devices
var spiDevices = make(map[uint8]*SPIDevice)

// InitSPICommands registers SPI-related commands with the command registry
func InitSPICommands() {
	RegisterCommand("config_spi", "oid=%c pin=%u cs_active_high=%c", handleConfigSPI)
	RegisterCommand("config_spi_without_cs", "oid=%c", handleConfigSPIWithoutCS)
	RegisterCommand("spi_set_bus", "oid=%c spi_bus=%u mode=%u rate=%u", handleSPISetBus)
	RegisterCommand("spi_set_software_bus", "oid=%c miso_pin=%u mosi_pin=%u sclk_pin=%u mode=%u rate=%u", handleSPISetSoftwareBus)
	RegisterCommand("config_spi_shutdown", "oid=%c spi_oid=%c shutdown_msg=%*s", handleConfigSPIShutdown)
	RegisterCommand("spi_transfer", "oid=%c data=%*s", handleSPITransfer)
	RegisterCommand("spi_send", "oid=%c data=%*s", handleSPISend)

	RegisterResponse("spi_transfer_response", "oid=%c response=%*s")
}

// handleConfigSPI configures an SPI device with a chip select pin
// Format: config_spi oid=%c pin=%u cs_active_high=%c
func handleConfigSPI(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	pin, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	csActiveHigh, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	dev := &SPIDevice{
		OID:   uint8(oid),
		Flags: SF_HAVE_PIN,
		Pin:   pin,
	}
	if csActiveHigh != 0 {
		dev.Flags |= SF_CS_ACTIVE_HIGH
	}

	// CS pin starts deasserted
	if err := MustGPIO().ConfigureOutput(GPIOPin(pin)); err != nil {
		return err
	}
	if err := MustGPIO().SetPin(GPIOPin(pin), csActiveHigh == 0); err != nil {
		return err
	}

	spiDevices[uint8(oid)] = dev
	return nil
}

// handleConfigSPIWithoutCS configures an SPI device without a chip select pin
// Format: config_spi_without_cs oid=%c
func handleConfigSPIWithoutCS(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	spiDevices[uint8(oid)] = &SPIDevice{OID: uint8(oid)}
	return nil
}

// handleSPISetBus configures the hardware SPI bus parameters for a device
// Format: spi_set_bus oid=%c spi_bus=%u mode=%u rate=%u
func handleSPISetBus(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	spiBus, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	mode, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	rate, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	dev, exists := spiDevices[uint8(oid)]
	if !exists {
		TryShutdown("spi_set_bus on unconfigured oid")
		return nil
	}

	dev.BusID = SPIBusID(spiBus)
	dev.Mode = SPIMode(mode)
	dev.Rate = rate

	bus, err := MustSPI().ConfigureBus(SPIConfig{
		BusID: SPIBusID(spiBus),
		Mode:  SPIMode(mode),
		Rate:  rate,
	})
	if err != nil {
		return err
	}

	dev.BusHandle = bus
	return nil
}

// handleSPISetSoftwareBus configures a bit-banged SPI bus for a device
// Format: spi_set_software_bus oid=%c miso_pin=%u mosi_pin=%u sclk_pin=%u mode=%u rate=%u
func handleSPISetSoftwareBus(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	miso, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	mosi, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	sclk, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	mode, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	rate, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	dev, exists := spiDevices[uint8(oid)]
	if !exists {
		TryShutdown("spi_set_software_bus on unconfigured oid")
		return nil
	}

	softSPI := GetSoftwareSPI()
	if softSPI == nil {
		TryShutdown("software spi not available")
		return nil
	}

	bus, err := softSPI.ConfigureSoftwareSPI(sclk, mosi, miso, SPIMode(mode), rate)
	if err != nil {
		return err
	}

	dev.Flags |= SF_SOFTWARE
	dev.Mode = SPIMode(mode)
	dev.Rate = rate
	dev.BusHandle = bus
	return nil
}

// handleConfigSPIShutdown configures a message to send on MCU shutdown
// Format: config_spi_shutdown oid=%c spi_oid=%c shutdown_msg=%*s
func handleConfigSPIShutdown(data *[]byte) error {
	_, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	spiOID, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	msg, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}

	dev, exists := spiDevices[uint8(spiOID)]
	if !exists {
		TryShutdown("config_spi_shutdown on unconfigured oid")
		return nil
	}

	dev.ShutdownMsg = append([]byte(nil), msg...)
	return nil
}

// spiDeviceTransfer performs a full-duplex SPI transfer with CS management
func spiDeviceTransfer(dev *SPIDevice, txData []byte, rxData []byte) error {
	if dev.BusHandle == nil {
		// Transferring without a bus would hand back all zeros as if
		// they were real data
		TryShutdown("spi device has no bus")
		return errors.New("spi device has no bus")
	}

	csActive := dev.Flags&SF_CS_ACTIVE_HIGH != 0

	if dev.Flags&SF_HAVE_PIN != 0 {
		if err := MustGPIO().SetPin(GPIOPin(dev.Pin), csActive); err != nil {
			return err
		}
	}

	err := dev.BusHandle.Tx(txData, rxData)

	if dev.Flags&SF_HAVE_PIN != 0 {
		if gpioErr := MustGPIO().SetPin(GPIOPin(dev.Pin), !csActive); gpioErr != nil {
			return gpioErr
		}
	}

	return err
}

// handleSPITransfer sends and receives SPI data
// Format: spi_transfer oid=%c data=%*s
// Response: spi_transfer_response oid=%c response=%*s
func handleSPITransfer(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	txData, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}

	dev, exists := spiDevices[uint8(oid)]
	if !exists {
		TryShutdown("spi_transfer on unconfigured oid")
		return nil
	}

	rxData := make([]byte, len(txData))
	if err := spiDeviceTransfer(dev, txData, rxData); err != nil {
		return err
	}

	SendResponse("spi_transfer_response", func(output protocol.OutputBuffer) {
		protocol.EncodeVLQUint(output, uint32(oid))
		protocol.EncodeVLQBytes(output, rxData)
	})

	return nil
}

// handleSPISend sends SPI data without a response
// Format: spi_send oid=%c data=%*s
func handleSPISend(data *[]byte) error {
	oid, err := protocol.DecodeVLQUint(data)
	if err != nil {
		return err
	}

	txData, err := protocol.DecodeVLQBytes(data)
	if err != nil {
		return err
	}

	dev, exists := spiDevices[uint8(oid)]
	if !exists {
		TryShutdown("spi_send on unconfigured oid")
		return nil
	}

	// Still clock in receive data so the bus stays in a known state
	rxData := make([]byte, len(txData))
	return spiDeviceTransfer(dev, txData, rxData)
}

// GetSPIDevice returns the SPI device configured at the given oid
func GetSPIDevice(oid uint8) (*SPIDevice, bool) {
	dev, ok := spiDevices[oid]
	return dev, ok
}

// ShutdownSPI sends the configured shutdown message to all SPI devices.
// Called during MCU shutdown to leave attached chips in a safe state.
func ShutdownSPI() {
	for _, dev := range spiDevices {
		if dev != nil && len(dev.ShutdownMsg) > 0 {
			rxData := make([]byte, len(dev.ShutdownMsg))
			_ = spiDeviceTransfer(dev, dev.ShutdownMsg, rxData)
		}
	}
}
