package sqladapter

import (
	"fmt"
	"strings"

	"github.com/nineking424/nificdc-sub004/pkg/adapter"
	"github.com/nineking424/nificdc-sub004/pkg/mapping"
)

// Registered adapter kinds. Each maps onto a database/sql driver name; the
// driver itself must be linked into the binary (modernc.org/sqlite ships
// with the platform).
const (
	KindSQLite   = "sqlite"
	KindPostgres = "postgresql"
	KindMySQL    = "mysql"
)

// dialect captures the SQL differences between the supported engines.
type dialect struct {
	kind       string
	driver     string
	usesDollar bool // postgres-style $n placeholders
	backticks  bool // mysql identifier quoting
}

var dialects = map[string]dialect{
	KindSQLite:   {kind: KindSQLite, driver: "sqlite"},
	KindPostgres: {kind: KindPostgres, driver: "postgres", usesDollar: true},
	KindMySQL:    {kind: KindMySQL, driver: "mysql", backticks: true},
}

// placeholder renders the n-th (1-based) bind parameter.
func (d dialect) placeholder(n int) string {
	if d.usesDollar {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (d dialect) quoteIdent(name string) string {
	if d.backticks {
		return "`" + strings.ReplaceAll(name, "`", "``") + "`"
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// noLimit is the LIMIT literal used when a read has an offset but no cap;
// sqlite and mysql refuse a bare OFFSET.
func (d dialect) noLimit() string {
	switch d.kind {
	case KindPostgres:
		return "ALL"
	case KindMySQL:
		return "18446744073709551615"
	default:
		return "-1"
	}
}

// dsn builds the driver connection string when the config does not carry
// one already.
func (d dialect) dsn(cfg adapter.ConnectionConfig) string {
	if cfg.DSN != "" {
		return cfg.DSN
	}
	switch d.kind {
	case KindSQLite:
		return cfg.Database
	case KindPostgres:
		host := cfg.Host
		if host == "" {
			host = "localhost"
		}
		port := cfg.Port
		if port == 0 {
			port = 5432
		}
		parts := []string{fmt.Sprintf("host=%s port=%d", host, port)}
		if cfg.User != "" {
			parts = append(parts, "user="+cfg.User)
		}
		if cfg.Password != "" {
			parts = append(parts, "password="+cfg.Password)
		}
		if cfg.Database != "" {
			parts = append(parts, "dbname="+cfg.Database)
		}
		sslmode := "disable"
		if v, ok := cfg.Properties["sslmode"].(string); ok && v != "" {
			sslmode = v
		}
		parts = append(parts, "sslmode="+sslmode)
		return strings.Join(parts, " ")
	case KindMySQL:
		host := cfg.Host
		if host == "" {
			host = "localhost"
		}
		port := cfg.Port
		if port == 0 {
			port = 3306
		}
		cred := ""
		if cfg.User != "" {
			cred = cfg.User
			if cfg.Password != "" {
				cred += ":" + cfg.Password
			}
			cred += "@"
		}
		return fmt.Sprintf("%stcp(%s:%d)/%s?parseTime=true", cred, host, port, cfg.Database)
	}
	return ""
}

func (d dialect) versionQuery() string {
	if d.kind == KindSQLite {
		return "select sqlite_version()"
	}
	return "SELECT version()"
}

// universalTypeFor maps a native column type onto the platform type system.
// Matching is substring-based, so the longer names must be probed first
// (bigint before int, timestamp before time).
func universalTypeFor(nativeType string) mapping.UniversalType {
	t := strings.ToLower(nativeType)
	switch {
	case strings.Contains(t, "bigint"):
		return mapping.TypeLong
	case strings.Contains(t, "int"):
		return mapping.TypeInteger
	case strings.Contains(t, "bool"):
		return mapping.TypeBoolean
	case strings.Contains(t, "decimal"), strings.Contains(t, "numeric"):
		return mapping.TypeDecimal
	case strings.Contains(t, "double"), strings.Contains(t, "float"), strings.Contains(t, "real"):
		return mapping.TypeDouble
	case strings.Contains(t, "timestamp"):
		return mapping.TypeTimestamp
	case strings.Contains(t, "datetime"):
		return mapping.TypeDatetime
	case strings.Contains(t, "date"):
		return mapping.TypeDate
	case strings.Contains(t, "time"):
		return mapping.TypeTime
	case strings.Contains(t, "json"):
		return mapping.TypeJSON
	case strings.Contains(t, "blob"), strings.Contains(t, "binary"), strings.Contains(t, "bytea"):
		return mapping.TypeBinary
	default:
		return mapping.TypeString
	}
}
