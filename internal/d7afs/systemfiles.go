package d7afs

// System file ids.
const (
	FileUID             uint8 = 0x00
	FileFactorySettings uint8 = 0x01
	FileFirmwareVersion uint8 = 0x02
	FileDeviceCapacity  uint8 = 0x03
	FileDeviceStatus    uint8 = 0x04
	FileEngineeringMode uint8 = 0x05
	FileVID             uint8 = 0x06
	FilePHYConfig       uint8 = 0x08
	FilePHYStatus       uint8 = 0x09
	FileDLLConfig       uint8 = 0x0A
	FileDLLStatus       uint8 = 0x0B
	FileNWLRouting      uint8 = 0x0C
	FileNWLSecurity     uint8 = 0x0D
	FileNWLSecurityKey  uint8 = 0x0E
	FileNWLSSR          uint8 = 0x0F
	FileNWLStatus       uint8 = 0x10
	FileTRLStatus       uint8 = 0x11
	FileSELConfig       uint8 = 0x12
	FileFOFStatus       uint8 = 0x13
	FileLocationData    uint8 = 0x17
	FileAccessProfile0  uint8 = 0x20

	AccessProfileCount = 15
	// LastSystemFile is the highest system file id.
	LastSystemFile = FileAccessProfile0 + AccessProfileCount - 1

	FirmwareVersionSize = 15
	AccessProfileSize   = 65
)

// Defaults for system file headers.
const (
	SystemFilePermissions uint8 = 0x24
	noFile                uint8 = 0xFF
)

// SystemFile is one entry of the default system file table.
type SystemFile struct {
	ID     uint8
	Name   string
	Header FileHeader
	Data   []byte
}

// access profile sub-profiles: subband bitmap and scan automation period
var (
	apContinuousScan = [2]byte{0x01, 0x00}
	apBackgroundScan = [2]byte{0x01, 0x70}
	apNoScan         = [2]byte{0x00, 0x00}
)

func accessProfile(sub [2]byte) []byte {
	b := make([]byte, 0, AccessProfileSize)
	// channel header: lo rate, PN9 FEC, 868 MHz
	b = append(b, 0x32)
	for i := 0; i < 4; i++ {
		b = append(b, sub[0], sub[1])
	}
	// 8 subbands: channel index start/end 0, EIRP 14 dBm, CCA -86 dBm, no duty limit
	for i := 0; i < 8; i++ {
		b = append(b, 0x00, 0x00, 0x00, 0x00, 0x0E, 0x56, 0xFF)
	}
	return b
}

func firmwareVersion() []byte {
	b := make([]byte, FirmwareVersionSize)
	for i := 2; i < len(b); i++ {
		b[i] = ' '
	}
	return b
}

// SystemFiles returns the default content of system files 0x00 through
// LastSystemFile.
func SystemFiles() []SystemFile {
	type entry struct {
		name string
		size int
		data []byte
	}
	table := []entry{
		{"UID", 8, nil},
		{"FACTORY_SETTINGS", 1, nil},
		{"FIRMWARE_VERSION", FirmwareVersionSize, firmwareVersion()},
		{"DEVICE_CAPACITY", 19, nil},
		{"DEVICE_STATUS", 9, nil},
		{"ENGINEERING_MODE", 9, nil},
		{"VID", 3, nil},
		{"RFU_07", 0, nil},
		{"PHY_CONFIG", 9, nil},
		{"PHY_STATUS", 24, nil},
		{"DLL_CONFIG", 3, []byte{0x21, 0xFF, 0xFF}},
		{"DLL_STATUS", 12, nil},
		{"NWL_ROUTING", 1, nil},
		{"NWL_SECURITY", 5, nil},
		{"NWL_SECURITY_KEY", 16, nil},
		{"NWL_SSR", 4, nil},
		{"NWL_STATUS", 20, nil},
		{"TRL_STATUS", 1, nil},
		{"SEL_CONFIG", 6, nil},
		{"FOF_STATUS", 10, nil},
		{"RFU_14", 0, nil},
		{"RFU_15", 0, nil},
		{"RFU_16", 0, nil},
		{"LOCATION_DATA", 1, nil},
	}
	for id := 0x18; id < int(FileAccessProfile0); id++ {
		table = append(table, entry{name: "D7AALP_RFU", size: 0})
	}
	for i := 0; i < AccessProfileCount; i++ {
		sub := apNoScan
		switch i {
		case 0:
			sub = apContinuousScan
		case 1:
			sub = apBackgroundScan
		}
		table = append(table, entry{"ACCESS_PROFILE", AccessProfileSize, accessProfile(sub)})
	}

	props := NewProperties(false, ActionOnWrite, StoragePermanent)
	out := make([]SystemFile, len(table))
	for id, e := range table {
		data := e.data
		if data == nil {
			data = make([]byte, e.size)
		}
		out[id] = SystemFile{
			ID:   uint8(id),
			Name: e.name,
			Header: FileHeader{
				Permissions:      SystemFilePermissions,
				Properties:       props,
				ALPCommandFileID: noFile,
				InterfaceFileID:  noFile,
				Length:           uint32(e.size),
				AllocatedLength:  uint32(e.size),
			},
			Data: data,
		}
	}
	return out
}
