package catalog

import "testing"

func TestParseEndpointRemoteLine(t *testing.T) {
	ep, err := parseEndpoint(`client
dev tun
proto udp
remote gb.example.net 443 tcp-client
<ca>
remote not-this-one 1
</ca>
`)
	if err != nil {
		t.Fatalf("parseEndpoint failed: %v", err)
	}
	if ep.Host != "gb.example.net" || ep.Port != 443 || ep.Protocol != "tcp" || ep.Missing {
		t.Fatalf("unexpected endpoint %#v", ep)
	}
}

func TestParseEndpointFallsBackToPortAndProto(t *testing.T) {
	ep, err := parseEndpoint("remote 198.51.100.7\nport 1195\nproto tcp\n")
	if err != nil {
		t.Fatalf("parseEndpoint failed: %v", err)
	}
	if ep.Host != "198.51.100.7" || ep.Port != 1195 || ep.Protocol != "tcp" {
		t.Fatalf("unexpected endpoint %#v", ep)
	}
}

func TestParseEndpointMissingRemote(t *testing.T) {
	ep, err := parseEndpoint("client\ndev tun\n")
	if err != nil {
		t.Fatalf("parseEndpoint failed: %v", err)
	}
	if !ep.Missing || ep.Port != DefaultPort || ep.Protocol != DefaultProtocol {
		t.Fatalf("expected defaults for missing remote, got %#v", ep)
	}
}

func TestParseEndpointRejectsBrokenFiles(t *testing.T) {
	for name, raw := range map[string]string{
		"unclosed block": "remote a 1\n<ca>\nabc\n",
		"stray close":    "</ca>\n",
		"bad port":       "remote a nope\n",
	} {
		if _, err := parseEndpoint(raw); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
