package douyu

import "strings"

// Field is one key/value pair of an STT message. Order matters on the wire
// because the server reads "type" first.
type Field struct {
	Key   string
	Value string
}

var (
	sttEscaper   = strings.NewReplacer("@", "@A", "/", "@S")
	sttUnescaper = strings.NewReplacer("@S", "/", "@A", "@")
)

// EncodeSTT serializes fields as "k@=v/k@=v/".
func EncodeSTT(fields ...Field) string {
	var b strings.Builder
	for _, f := range fields {
		b.WriteString(sttEscaper.Replace(f.Key))
		b.WriteString("@=")
		b.WriteString(sttEscaper.Replace(f.Value))
		b.WriteByte('/')
	}
	return b.String()
}

// DecodeSTT parses a flat STT message. Values are unescaped once; nested
// structures are left as their inner STT text. Items without "@=" are skipped.
func DecodeSTT(s string) map[string]any {
	out := make(map[string]any)
	for _, item := range strings.Split(s, "/") {
		if item == "" {
			continue
		}
		k, v, ok := strings.Cut(item, "@=")
		if !ok {
			continue
		}
		out[sttUnescaper.Replace(k)] = sttUnescaper.Replace(v)
	}
	return out
}
