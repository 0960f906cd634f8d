package services

import (
	"strconv"

	"github.com/pinacle-sh/pinacle/pkg/spec"
	"github.com/pinacle-sh/pinacle/pkg/utils"
)

const proxyConfigPath = "/etc/nginx/conf.d/pinacle.conf"

// defaultAppPort is where requests land when the hostname carries no port,
// i.e. the pod's plain https://{slug}.{domain} address
const defaultAppPort = 3000

// proxyConfigTemplate routes by hostname: the subdomain encodes the target as
// localhost-{port}-pod-{slug}, so one external port reaches every internal
// listener. The default server catches the bare pod hostname.
const proxyConfigTemplate = `server {
    listen {{listen}};
    server_name ~^localhost-(?<port>\d+)-pod-;

    location / {
        proxy_pass http://127.0.0.1:$port;
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
        proxy_http_version 1.1;
        proxy_set_header Upgrade $http_upgrade;
        proxy_set_header Connection "upgrade";
        proxy_read_timeout 86400;
    }
}

server {
    listen {{listen}} default_server;
    server_name _;

    location / {
        proxy_pass http://127.0.0.1:{{defaultPort}};
        proxy_set_header Host $host;
        proxy_set_header X-Real-IP $remote_addr;
        proxy_set_header X-Forwarded-For $proxy_add_x_forwarded_for;
        proxy_set_header X-Forwarded-Proto $scheme;
        proxy_http_version 1.1;
        proxy_set_header Upgrade $http_upgrade;
        proxy_set_header Connection "upgrade";
        proxy_read_timeout 86400;
    }
}
`

func renderProxyConfig(podSpec *spec.PodSpec) string {
	return utils.ResolvePlaceholderString(proxyConfigTemplate, map[string]string{
		"listen":      strconv.Itoa(spec.ProxyInternalPort),
		"defaultPort": strconv.Itoa(defaultAppPort),
	})
}
