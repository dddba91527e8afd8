package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"toolshed/internal/adapter/mcp"
)

func (a *app) runList() error {
	plugins := a.session.List()
	if len(plugins) == 0 {
		fmt.Println("no plugins installed")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tVERSION\tTOOLS\tENABLED\tINSTALLED")
	for _, p := range plugins {
		fmt.Fprintf(w, "%s\t%s\t%d\t%t\t%s\n",
			p.Name, p.Version, len(p.Tools), p.Enabled,
			p.InstalledAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func (a *app) runInstall(path string) error {
	def, err := loadManifest(path)
	if err != nil {
		return err
	}
	if err := a.session.Install(def); err != nil {
		return err
	}
	fmt.Printf("installed %q (%d tools)\n", def.Name, len(def.Tools))
	return nil
}

func (a *app) runUninstall(name string) error {
	if !a.session.IsInstalled(name) {
		return fmt.Errorf("plugin %q is not installed", name)
	}
	if err := a.session.Uninstall(name); err != nil {
		return err
	}
	fmt.Printf("uninstalled %q\n", name)
	return nil
}

func (a *app) runSetEnabled(name string, enabled bool) error {
	if !a.session.IsInstalled(name) {
		return fmt.Errorf("plugin %q is not installed", name)
	}
	var err error
	if enabled {
		err = a.session.Enable(name)
	} else {
		err = a.session.Disable(name)
	}
	if err != nil {
		return err
	}
	fmt.Printf("%s %q in scope %q\n", verb(enabled), name, a.session.Scope())
	return nil
}

func verb(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

func (a *app) runReset() error {
	if err := a.session.Reset(); err != nil {
		return err
	}
	fmt.Printf("scope %q reset to defaults\n", a.session.Scope())
	return nil
}

func (a *app) runServe() error {
	bridge := mcp.NewBridge(a.session, a.cfg.MCP.Name, a.cfg.MCP.Version, a.logger)
	defer bridge.Close()
	a.logger.Info("serving MCP over stdio", "scope", a.session.Scope())
	return bridge.ServeStdio()
}
