package bus

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.einride.tech/can/pkg/dbc"

	"example.com/busmaster/internal/common"
)

type DatabaseType int

const (
	DatabaseUnknown DatabaseType = iota
	DatabaseSqlite
	DatabaseDbc
	DatabaseA2l
)

var databaseTypeNames = []string{"Unknown", "SQLite Database", "DBC File", "A2L File"}

func (t DatabaseType) String() string {
	if t >= 0 && int(t) < len(databaseTypeNames) {
		return databaseTypeNames[t]
	}
	return databaseTypeNames[0]
}

func DatabaseTypeFromString(name string) DatabaseType {
	for i, typeName := range databaseTypeNames {
		if strings.EqualFold(typeName, name) {
			return DatabaseType(i)
		}
	}
	return DatabaseUnknown
}

var ErrDbcParse = errors.New("failed to parse DBC file")

// GroupType tells what a database group describes.
type GroupType int

const (
	GroupGeneral GroupType = iota
	GroupCanMessage
)

// DbGroup is a message definition of a database.
type DbGroup struct {
	Name        string
	Description string
	Type        GroupType
	Identity    uint32
	Extended    bool
	Size        int
	Transmitter string
}

// MetricType is the value type of a signal as presented to the user.
type MetricType int

const (
	MetricUnknown MetricType = iota
	MetricBoolean
	MetricInt8
	MetricInt16
	MetricInt32
	MetricInt64
	MetricUInt8
	MetricUInt16
	MetricUInt32
	MetricUInt64
	MetricFloat
	MetricDouble
	MetricString
)

var metricTypeNames = []string{"Unknown", "Boolean", "Int8", "Int16", "Int32", "Int64",
	"UInt8", "UInt16", "UInt32", "UInt64", "Float", "Double", "String"}

func (t MetricType) String() string {
	if t >= 0 && int(t) < len(metricTypeNames) {
		return metricTypeNames[t]
	}
	return metricTypeNames[0]
}

// MetricProperty is a free form key/value attribute of a metric.
type MetricProperty struct {
	Key   string
	Value string
}

// DbMetric is a signal of a database group.
type DbMetric struct {
	GroupName   string
	GroupID     uint32
	Name        string
	Description string
	Unit        string
	Type        MetricType
	Properties  []MetricProperty
}

// Database describes the content of the bus. A DBC database lists the
// messages and signals of a DBC file; signal values are not decoded.
type Database struct {
	OperableStatus

	Name        string
	Description string
	Filename    string

	typ     DatabaseType
	groups  []DbGroup
	metrics []DbMetric
	logger  common.Logger
}

func NewDatabase(typ DatabaseType, logger common.Logger) *Database {
	if logger == nil {
		logger = common.Discard
	}
	return &Database{typ: typ, logger: logger}
}

func (db *Database) Type() DatabaseType {
	return db.typ
}

// FileFilter is the file dialog filter of the database type.
func (db *Database) FileFilter() string {
	if db.typ == DatabaseDbc {
		return "DBC files (*.dbc)|*.dbc"
	}
	return "All files (*.*)|*.*"
}

func (db *Database) DefaultExtension() string {
	if db.typ == DatabaseDbc {
		return ".dbc"
	}
	return ""
}

// Enable loads the database file. Failures leave the database disabled and
// not operable.
func (db *Database) Enable(enable bool) {
	db.setStatus(false, false)
	db.groups = nil
	db.metrics = nil
	if !enable {
		return
	}
	if db.typ != DatabaseDbc {
		db.setStatus(true, true)
		return
	}
	if err := db.loadDbc(); err != nil {
		db.groups = nil
		db.metrics = nil
		db.logger.Printf("database %s: %s: %v", db.Name, db.Filename, err)
		return
	}
	db.setStatus(true, true)
}

func (db *Database) loadDbc() error {
	data, err := os.ReadFile(db.Filename)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, db.Filename)
		}
		return err
	}
	parser := dbc.NewParser(filepath.Base(db.Filename), data)
	if err := parser.Parse(); err != nil {
		return fmt.Errorf("%w: %v", ErrDbcParse, err)
	}
	file := parser.File()

	comments := map[string]string{}
	enums := map[string][]dbc.ValueDescriptionDef{}
	for _, def := range file.Defs {
		switch d := def.(type) {
		case *dbc.CommentDef:
			comments[commentKey(d.ObjectType, d.MessageID, string(d.SignalName))] = d.Comment
		case *dbc.ValueDescriptionsDef:
			key := commentKey(dbc.ObjectTypeSignal, d.MessageID, string(d.SignalName))
			enums[key] = d.ValueDescriptions
		}
	}

	for _, def := range file.Defs {
		msg, ok := def.(*dbc.MessageDef)
		if !ok {
			continue
		}
		id := uint32(msg.MessageID)
		group := DbGroup{
			Name:        string(msg.Name),
			Description: comments[commentKey(dbc.ObjectTypeMessage, msg.MessageID, "")],
			Type:        GroupCanMessage,
			Identity:    id & 0x1FFFFFFF,
			Extended:    id&0x80000000 != 0,
			Size:        int(msg.Size),
			Transmitter: string(msg.Transmitter),
		}
		db.groups = append(db.groups, group)
		for _, sig := range msg.Signals {
			key := commentKey(dbc.ObjectTypeSignal, msg.MessageID, string(sig.Name))
			db.metrics = append(db.metrics, newMetric(group, sig, comments[key], enums[key]))
		}
	}
	if len(db.groups) == 0 {
		return fmt.Errorf("%w: no messages in %s", ErrDbcParse, db.Filename)
	}
	return nil
}

func commentKey(obj dbc.ObjectType, id dbc.MessageID, signal string) string {
	return fmt.Sprintf("%v/%d/%s", obj, id, signal)
}

func newMetric(group DbGroup, sig dbc.SignalDef, comment string, enums []dbc.ValueDescriptionDef) DbMetric {
	m := DbMetric{
		GroupName:   group.Name,
		GroupID:     group.Identity,
		Name:        string(sig.Name),
		Description: comment,
		Unit:        sig.Unit,
		Properties:  []MetricProperty{{Key: "bits", Value: strconv.FormatUint(sig.Size, 10)}},
	}
	if len(enums) > 0 {
		sorted := append([]dbc.ValueDescriptionDef(nil), enums...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Value < sorted[j].Value })
		parts := make([]string, 0, len(sorted))
		for _, e := range sorted {
			text := strings.ReplaceAll(e.Description, ";", " ")
			parts = append(parts, strconv.FormatFloat(e.Value, 'f', -1, 64)+":"+text)
		}
		m.Properties = append(m.Properties, MetricProperty{Key: "enumerate", Value: strings.Join(parts, ";")})
		m.Type = MetricString
	} else {
		m.Type = metricTypeOf(sig)
	}
	if sig.Minimum < sig.Maximum {
		m.Properties = append(m.Properties,
			MetricProperty{Key: "min", Value: strconv.FormatFloat(sig.Minimum, 'g', -1, 64)},
			MetricProperty{Key: "max", Value: strconv.FormatFloat(sig.Maximum, 'g', -1, 64)},
		)
	}
	return m
}

func metricTypeOf(sig dbc.SignalDef) MetricType {
	if sig.Factor != 1 || sig.Offset != 0 {
		return MetricDouble
	}
	bits := sig.Size
	if sig.IsSigned {
		switch {
		case bits <= 8:
			return MetricInt8
		case bits <= 16:
			return MetricInt16
		case bits <= 32:
			return MetricInt32
		}
		return MetricInt64
	}
	switch {
	case bits <= 1:
		return MetricBoolean
	case bits <= 8:
		return MetricUInt8
	case bits <= 16:
		return MetricUInt16
	case bits <= 32:
		return MetricUInt32
	}
	return MetricUInt64
}

// Groups returns the message definitions in file order.
func (db *Database) Groups() []DbGroup {
	return append([]DbGroup(nil), db.groups...)
}

// Metrics returns the signals of every group.
func (db *Database) Metrics() []DbMetric {
	return append([]DbMetric(nil), db.metrics...)
}

// GroupByIdentity finds the group of a CAN id, nil when unknown.
func (db *Database) GroupByIdentity(id uint32) *DbGroup {
	for i := range db.groups {
		if db.groups[i].Identity == id&0x1FFFFFFF {
			return &db.groups[i]
		}
	}
	return nil
}

func (db *Database) Properties() []BusProperty {
	props := appendSection(nil, "Database")
	props = append(props,
		NewProperty("Type", db.typ.String()),
		NewProperty("Name", db.Name),
		NewProperty("Description", db.Description),
		NewProperty("Filename", db.Filename),
		NewProperty("Messages", itoa(len(db.groups))),
		NewProperty("Signals", itoa(len(db.metrics))),
	)
	state := "Inactive"
	if db.enabled {
		state = "Active"
		if !db.operable {
			state = "Failing"
		}
	}
	props = appendSection(props, "Status")
	return append(props,
		NewProperty("Active", state),
		NewProperty("Operable", yesNo(db.operable)),
	)
}
