// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metric

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// prometheusName converts "/iwsock/bytes_sent" to "iwsock_bytes_sent".
func prometheusName(name string) string {
	return strings.ReplaceAll(strings.TrimPrefix(name, "/"), "/", "_")
}

// escapeLabel escapes a label value for the text exposition format.
func escapeLabel(v string) string {
	return strings.NewReplacer(`\`, `\\`, "\n", `\n`, `"`, `\"`).Replace(v)
}

// WritePrometheus writes every registered metric to w in the Prometheus text
// exposition format.
func WritePrometheus(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, m := range sortedMetrics() {
		name := prometheusName(m.name)
		typ := "counter"
		if !m.cumulative {
			typ = "gauge"
		}
		fmt.Fprintf(bw, "# HELP %s %s\n", name, m.description)
		fmt.Fprintf(bw, "# TYPE %s %s\n", name, typ)
		for key := range m.fields {
			fmt.Fprint(bw, name)
			if len(m.fieldMapper.fields) > 0 {
				values := m.fieldMapper.keyToMultiField(key)
				bw.WriteByte('{')
				for i, f := range m.fieldMapper.fields {
					if i > 0 {
						bw.WriteByte(',')
					}
					fmt.Fprintf(bw, "%s=\"%s\"", f.name, escapeLabel(values[i]))
				}
				bw.WriteByte('}')
			}
			fmt.Fprintf(bw, " %d\n", m.fields[key].Load())
		}
	}
	return bw.Flush()
}
