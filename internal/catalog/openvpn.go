package catalog

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// endpoint is the server portion of a client config.
type endpoint struct {
	Host     string
	Port     int
	Protocol string
	// Missing is set when the config has no remote directive.
	Missing bool
}

// parseEndpoint reads the first remote directive, falling back to the port and proto
// directives for fields the remote line omits.
func parseEndpoint(raw string) (endpoint, error) {
	directives, err := parseDirectives(raw)
	if err != nil {
		return endpoint{}, err
	}

	ep := endpoint{Port: DefaultPort, Protocol: DefaultProtocol}
	if values := directives["proto"]; len(values) > 0 {
		if proto := normalizeProtocol(firstToken(values[0])); proto != "" {
			ep.Protocol = proto
		}
	}
	if values := directives["port"]; len(values) > 0 {
		if port, ok := parsePort(firstToken(values[0])); ok {
			ep.Port = port
		}
	}

	remotes := directives["remote"]
	if len(remotes) == 0 || firstToken(remotes[0]) == "" {
		ep.Missing = true
		return ep, nil
	}
	fields := strings.Fields(remotes[0])
	ep.Host = fields[0]
	if len(fields) > 1 {
		port, ok := parsePort(fields[1])
		if !ok {
			return endpoint{}, fmt.Errorf("invalid remote port %q", fields[1])
		}
		ep.Port = port
	}
	if len(fields) > 2 {
		if proto := normalizeProtocol(fields[2]); proto != "" {
			ep.Protocol = proto
		}
	}
	return ep, nil
}

func parseDirectives(raw string) (map[string][]string, error) {
	directives := make(map[string][]string)

	scanner := bufio.NewScanner(strings.NewReader(raw))
	scanner.Buffer(make([]byte, 1024), 1024*1024)

	lineNum := 0
	activeBlock := ""
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if activeBlock != "" {
			if strings.EqualFold(line, "</"+activeBlock+">") {
				activeBlock = ""
			}
			continue
		}
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "</") {
			return nil, fmt.Errorf("line %d: unexpected closing block", lineNum)
		}
		if strings.HasPrefix(line, "<") && strings.HasSuffix(line, ">") {
			name := strings.ToLower(strings.TrimSpace(line[1 : len(line)-1]))
			if name == "" || strings.Contains(name, " ") {
				return nil, fmt.Errorf("line %d: invalid inline block name", lineNum)
			}
			activeBlock = name
			continue
		}

		fields := strings.Fields(line)
		key := strings.ToLower(fields[0])
		value := strings.TrimSpace(line[len(fields[0]):])
		directives[key] = append(directives[key], value)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if activeBlock != "" {
		return nil, fmt.Errorf("unclosed inline block <%s>", activeBlock)
	}
	return directives, nil
}

func normalizeProtocol(raw string) string {
	proto := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case strings.HasPrefix(proto, "tcp"):
		return "tcp"
	case strings.HasPrefix(proto, "udp"):
		return "udp"
	default:
		return ""
	}
}

func parsePort(raw string) (int, bool) {
	port, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || port < 1 || port > 65535 {
		return 0, false
	}
	return port, true
}

func firstToken(value string) string {
	fields := strings.Fields(value)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
