package processor

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/osteele/liquid"
)

// TemplateEngine renders the per-kind email bodies with the Liquid template
// language. Parsing is cached per template source. Rendering is lax: a
// missing variable renders empty rather than failing the send, so payload
// mappings stay responsible for defaults.
type TemplateEngine struct {
	engine *liquid.Engine
	cache  sync.Map // map[string]*liquid.Template
}

// NewTemplateEngine creates a template engine with the custom filters the
// email templates rely on.
func NewTemplateEngine() *TemplateEngine {
	te := &TemplateEngine{engine: liquid.NewEngine()}
	te.registerFilters()
	return te
}

func (te *TemplateEngine) registerFilters() {
	// Default value filter: {{ customer_name | default: "there" }}
	te.engine.RegisterFilter("default", func(value interface{}, defaultVal string) interface{} {
		if value == nil {
			return defaultVal
		}
		strVal := fmt.Sprintf("%v", value)
		if strVal == "" || strVal == "<nil>" {
			return defaultVal
		}
		return value
	})

	// Money filter: {{ amount | money: "USD" }} -> "19.99 USD"
	te.engine.RegisterFilter("money", func(value interface{}, currency string) string {
		amount := toFloat(value)
		if currency == "" {
			currency = "USD"
		}
		return fmt.Sprintf("%.2f %s", amount, currency)
	})

	// Human date filter: {{ booking_date | datefmt }} -> "Mon, 02 Jan 2006 15:04"
	te.engine.RegisterFilter("datefmt", func(value interface{}) string {
		switch v := value.(type) {
		case time.Time:
			return v.Format("Mon, 02 Jan 2006 15:04")
		case string:
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				return t.Format("Mon, 02 Jan 2006 15:04")
			}
			return v
		default:
			return fmt.Sprintf("%v", value)
		}
	})
}

// Render renders the given template source with the bindings. Parsed
// templates are cached by source string.
func (te *TemplateEngine) Render(source string, bindings map[string]interface{}) (string, error) {
	var tpl *liquid.Template
	if cached, ok := te.cache.Load(source); ok {
		tpl = cached.(*liquid.Template)
	} else {
		parsed, err := te.engine.ParseString(source)
		if err != nil {
			return "", fmt.Errorf("parse template: %w", err)
		}
		te.cache.Store(source, parsed)
		tpl = parsed
	}

	out, err := tpl.RenderString(bindings)
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}

func toFloat(value interface{}) float64 {
	switch v := value.(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return 0
}
