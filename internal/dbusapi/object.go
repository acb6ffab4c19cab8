package dbusapi

import (
	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"forkd/internal/fork"
	"forkd/internal/forkconfig"
)

// object carries the exported methods so that Service's own exported
// methods stay off the bus.
type object struct {
	svc *Service
}

// Configure applies wire operation op with up to three operands and returns
// the result (the new id for clone, the entry count for server-dump).
func (o *object) Configure(sender dbus.Sender, op uint32, a0, a1, a2 int32) (int32, *dbus.Error) {
	return o.svc.configure(sender, fork.DecodeRequest(int(op), int(a0), int(a1), int(a2)))
}

// Get reads wire operation op.
func (o *object) Get(op uint32, a0, a1 int32) (int32, *dbus.Error) {
	return o.svc.get(fork.DecodeRequest(int(op), int(a0), int(a1)))
}

// SwitchConfig activates configuration id.
func (o *object) SwitchConfig(sender dbus.Sender, id int32) *dbus.Error {
	_, err := o.svc.configure(sender, fork.Request{Param: forkconfig.ParamSwitch, Args: [3]int{int(id)}})
	return err
}

// CloneConfig copies configuration id and returns the id of the copy.
func (o *object) CloneConfig(sender dbus.Sender, id int32) (int32, *dbus.Error) {
	return o.svc.configure(sender, fork.Request{Param: forkconfig.ParamClone, Args: [3]int{int(id)}})
}

// History returns up to n recent events, newest first.
func (o *object) History(sender dbus.Sender, n uint32) ([]Entry, *dbus.Error) {
	return o.svc.history(sender, n)
}

// Status returns the machine status as JSON.
func (o *object) Status() (string, *dbus.Error) {
	return o.svc.status()
}

const introspectXML = `
<node>
	<interface name="` + Interface + `">
		<method name="Configure">
			<arg direction="in" type="u" name="op"/>
			<arg direction="in" type="i" name="a0"/>
			<arg direction="in" type="i" name="a1"/>
			<arg direction="in" type="i" name="a2"/>
			<arg direction="out" type="i" name="result"/>
		</method>
		<method name="Get">
			<arg direction="in" type="u" name="op"/>
			<arg direction="in" type="i" name="a0"/>
			<arg direction="in" type="i" name="a1"/>
			<arg direction="out" type="i" name="value"/>
		</method>
		<method name="SwitchConfig">
			<arg direction="in" type="i" name="id"/>
		</method>
		<method name="CloneConfig">
			<arg direction="in" type="i" name="id"/>
			<arg direction="out" type="i" name="clone"/>
		</method>
		<method name="History">
			<arg direction="in" type="u" name="n"/>
			<arg direction="out" type="a(xqqb)" name="entries"/>
		</method>
		<method name="Status">
			<arg direction="out" type="s" name="status"/>
		</method>
		<signal name="ConfigSwitched">
			<arg type="i" name="from"/>
			<arg type="i" name="to"/>
			<arg type="s" name="origin"/>
		</signal>
		<signal name="ConfigChanged">
			<arg type="s" name="request"/>
			<arg type="s" name="origin"/>
		</signal>
		<signal name="ConfigReloaded">
			<arg type="s" name="path"/>
		</signal>
		<signal name="DeviceDetached"/>
	</interface>` + introspect.IntrospectDeclarationString + `
</node>`
