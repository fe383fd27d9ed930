package regs

import "testing"

func TestFalconWindowOffsets(t *testing.T) {
	cases := []struct {
		name string
		got  uint32
		want uint32
	}{
		{"IMEMC(0)", FalconIMEMC(0), 0x0180},
		{"IMEMD(0)", FalconIMEMD(0), 0x0184},
		{"DMEMC(0)", FalconDMEMC(0), 0x01c0},
		{"DMEMD(0)", FalconDMEMD(0), 0x01c4},
		{"IMEMC(1)", FalconIMEMC(1), 0x0190},
		{"DMEMC(1)", FalconDMEMC(1), 0x01c8},
		{"QueueHead(0)", QueueHead(0), 0x0c00},
		{"QueueTail(0)", QueueTail(0), 0x0c80},
		{"QueueHead(1)", QueueHead(1), 0x0c08},
	}
	for _, c := range cases {
		if c.got != c.want {
			t.Errorf("%s: got 0x%x want 0x%x", c.name, c.got, c.want)
		}
	}
}

func TestFalconBaseAddresses(t *testing.T) {
	if FalconGSPBase != 0x110000 {
		t.Errorf("FalconGSPBase: got 0x%x want 0x110000", FalconGSPBase)
	}
	if FalconSEC2Base != 0x840000 {
		t.Errorf("FalconSEC2Base: got 0x%x want 0x840000", FalconSEC2Base)
	}
}
