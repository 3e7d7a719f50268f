// tbsgen generates byte-level TBS templates for hardware root-of-trust
// certificates and CSRs, then emits them as Go source. Profiles come from a
// JSON configuration file; one output file is written per profile.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/hwsec-tools/tbsgen/builder"
	"github.com/hwsec-tools/tbsgen/cmd"
	"github.com/hwsec-tools/tbsgen/codegen"
	"github.com/hwsec-tools/tbsgen/keys"
	"github.com/hwsec-tools/tbsgen/tbs"
	"github.com/hwsec-tools/tbsgen/x509rot"
)

type config struct {
	TbsGen struct {
		OutDir   string
		Package  string
		Profiles []profile
	}
}

type profile struct {
	Name         string
	Kind         string // "csr" or "cert"
	Scheme       string
	Subject      string
	Issuer       string
	UEIDSize     int
	CA           bool
	PathLen      int
	KeyUsage     []string
	DeviceFwids  int
	FMCFwids     int
	RuntimeFwids int
	SVN          int
}

var keyUsageNames = map[string]x509rot.KeyUsage{
	"digitalSignature": x509rot.KeyUsageDigitalSignature,
	"keyCertSign":      x509rot.KeyUsageCertSign,
	"cRLSign":          x509rot.KeyUsageCRLSign,
}

func parseKeyUsage(names []string) (x509rot.KeyUsage, error) {
	var ku x509rot.KeyUsage
	for _, n := range names {
		bit, ok := keyUsageNames[n]
		if !ok {
			return 0, fmt.Errorf("unknown key usage %q", n)
		}
		ku |= bit
	}
	return ku, nil
}

// placeholderFwids produces n distinguishable filler digests. Values within
// one profile must be distinct and non-zero or offset resolution rejects
// them as ambiguous.
func placeholderFwids(n int, fill byte) []x509rot.Fwid {
	fwids := make([]x509rot.Fwid, n)
	for i := range fwids {
		digest := make([]byte, 48)
		for j := range digest {
			digest[j] = fill + byte(i)
		}
		fwids[i] = x509rot.Fwid{HashAlg: x509rot.OIDSHA384, Digest: digest}
	}
	return fwids
}

func placeholderUEID(size int) []byte {
	ueid := make([]byte, size)
	for i := range ueid {
		ueid[i] = 0xFF
	}
	return ueid
}

func generate(p profile) (*tbs.Template, error) {
	scheme, err := keys.ByName(p.Scheme)
	if err != nil {
		return nil, err
	}
	ku, err := parseKeyUsage(p.KeyUsage)
	if err != nil {
		return nil, err
	}

	switch p.Kind {
	case "csr":
		b := builder.NewCSRBuilder(scheme)
		if p.UEIDSize > 0 {
			b = b.WithUEID(placeholderUEID(p.UEIDSize))
		}
		if p.CA {
			b = b.WithBasicConstraints(true, p.PathLen)
		}
		if ku != 0 {
			b = b.WithKeyUsage(ku)
		}
		return b.Build(p.Subject)
	case "cert":
		b := builder.NewCertBuilder(scheme)
		if p.UEIDSize > 0 {
			b = b.WithUEID(placeholderUEID(p.UEIDSize))
		}
		if p.CA {
			b = b.WithBasicConstraints(true, p.PathLen)
		}
		if ku != 0 {
			b = b.WithKeyUsage(ku)
		}
		if p.DeviceFwids > 0 {
			b = b.WithDeviceTCBInfo(placeholderFwids(p.DeviceFwids, 0xD0))
		}
		if p.FMCFwids > 0 {
			b = b.WithFMCTCBInfo(placeholderFwids(p.FMCFwids, 0xC0))
		}
		if p.RuntimeFwids > 0 {
			b = b.WithRuntimeTCBInfo(p.SVN, placeholderFwids(p.RuntimeFwids, 0xB0))
		}
		return b.Build(p.Subject, p.Issuer)
	}
	return nil, fmt.Errorf("unknown template kind %q", p.Kind)
}

func main() {
	configFile := flag.String(
		"config",
		"test/config/tbsgen-config.json",
		"File path to the tbsgen configuration file")
	flag.Parse()
	if *configFile == "" {
		flag.Usage()
		os.Exit(1)
	}

	// Log to stdout
	logger := log.New(os.Stdout, "tbsgen ", log.LstdFlags)

	var c config
	err := cmd.ReadConfigFile(*configFile, &c)
	cmd.FailOnError(err, "Reading JSON config file into config structure")

	err = os.MkdirAll(c.TbsGen.OutDir, 0o755)
	cmd.FailOnError(err, "Creating output directory")

	for _, p := range c.TbsGen.Profiles {
		template, err := generate(p)
		cmd.FailOnError(err, fmt.Sprintf("Generating template %q", p.Name))

		path, err := codegen.WriteFile(c.TbsGen.OutDir, c.TbsGen.Package, p.Name, template)
		cmd.FailOnError(err, fmt.Sprintf("Writing template %q", p.Name))

		logger.Printf("Generated %s template: %d bytes, %d params -> %s\n",
			p.Name, template.Len(), len(template.Params()), path)
	}
}
