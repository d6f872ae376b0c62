package cmd

import (
	"io"
	"text/tabwriter"

	"grimm.is/hostguard/internal/config"
	"grimm.is/hostguard/internal/errors"
	"grimm.is/hostguard/internal/firewall"
	"grimm.is/hostguard/internal/zone"
)

// RunCheck validates the configuration file. With planZone set it also
// prints the rules that connecting that VPN zone would install and their
// diff against the baseline.
func RunCheck(configFile, planZone string, out io.Writer) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	zones := cfg.ToZones()
	if len(zones) == 0 {
		zones = zone.Defaults()
	}

	Printer.Fprintf(out, "Configuration valid!\n")
	Printer.Fprintf(out, "Zones: %d\n", len(zones))
	Printer.Fprintf(out, "Enforcement backend: %s\n", cfg.Enforcer.Backend)
	if cfg.APIEnabled() {
		Printer.Fprintf(out, "API: %s\n", cfg.API.Listen)
	} else {
		Printer.Fprintf(out, "API: disabled\n")
	}
	Printer.Fprintln(out)
	printZones(out, zones)

	if planZone == "" {
		return nil
	}
	return printPlan(out, zones, planZone)
}

func printZones(out io.Writer, zones []zone.Zone) {
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	Printer.Fprintln(w, "ZONE\tNETWORKS\tVPN\tKILL SWITCH\tSPLIT")
	for _, z := range zones {
		kind, ks, split := "-", "-", "-"
		if z.VPN != nil {
			p := firewall.PolicyFromZone(z)
			kind = string(z.VPN.Kind)
			ks = "off"
			if p.KillSwitch {
				ks = "on"
			}
			split = Printer.Sprintf("%s (%d routes)", p.SplitMode, len(p.Routes))
		}
		Printer.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", z.ID, len(z.Networks), kind, ks, split)
	}
	w.Flush()
}

func printPlan(out io.Writer, zones []zone.Zone, id string) error {
	var z *zone.Zone
	for i := range zones {
		if zones[i].ID == id {
			z = &zones[i]
		}
	}
	if z == nil {
		return errors.Errorf(errors.KindNotFound, "zone %q not found", id)
	}
	if !z.IsVPN() {
		return errors.Errorf(errors.KindValidation, "zone %q is not a VPN zone", id)
	}

	baseline := firewall.Resolve(firewall.State{})
	planned := firewall.Resolve(firewall.DesiredState(*z, firewall.PolicyFromZone(*z)))

	Printer.Fprintf(out, "\nRules for zone %s (%d):\n", id, len(planned))
	io.WriteString(out, firewall.RenderPlan(planned))

	diff, err := firewall.Diff(baseline, planned, "baseline", "zone/"+id)
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "render diff")
	}
	if diff != "" {
		Printer.Fprintf(out, "\n")
		io.WriteString(out, diff)
	}
	return nil
}
