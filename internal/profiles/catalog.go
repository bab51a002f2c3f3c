package profiles

import (
	"fmt"

	utls "github.com/refraction-networking/utls"
	"github.com/tls-chameleon/internal/types"
)

const (
	chromeJA3  = "771,4865-4866-4867-49195-49199-49196-49200-52393-52392-49171-49172-156-157-47-53,0-23-65281-10-11-35-16-5-13-18-51-45-43-27-17513-21,29-23-24,0"
	firefoxJA3 = "771,4865-4867-4866-49195-49199-52393-52392-49196-49200-49162-49161-49171-49172-156-157-47-53,0-23-65281-10-11-35-16-5-34-51-43-13-45-28-21,29-23-24-25-256-257,0"
	safariJA3  = "771,4865-4866-4867-49196-49195-52393-49200-49199-52392-49162-49161-49172-49171-157-156-53-47-49160-49170-10,0-23-65281-10-11-16-5-13-18-51-45-43-27-21,29-23-24-25,0"
)

var chromeCiphers = []string{
	"TLS_AES_128_GCM_SHA256",
	"TLS_AES_256_GCM_SHA384",
	"TLS_CHACHA20_POLY1305_SHA256",
	"ECDHE-ECDSA-AES128-GCM-SHA256",
	"ECDHE-RSA-AES128-GCM-SHA256",
	"ECDHE-ECDSA-AES256-GCM-SHA384",
	"ECDHE-RSA-AES256-GCM-SHA384",
	"ECDHE-ECDSA-CHACHA20-POLY1305",
	"ECDHE-RSA-CHACHA20-POLY1305",
	"ECDHE-RSA-AES128-SHA",
	"ECDHE-RSA-AES256-SHA",
	"AES128-GCM-SHA256",
	"AES256-GCM-SHA384",
	"AES128-SHA",
	"AES256-SHA",
}

var firefoxCiphers = []string{
	"TLS_AES_128_GCM_SHA256",
	"TLS_CHACHA20_POLY1305_SHA256",
	"TLS_AES_256_GCM_SHA384",
	"ECDHE-ECDSA-AES128-GCM-SHA256",
	"ECDHE-RSA-AES128-GCM-SHA256",
	"ECDHE-ECDSA-CHACHA20-POLY1305",
	"ECDHE-RSA-CHACHA20-POLY1305",
	"ECDHE-ECDSA-AES256-GCM-SHA384",
	"ECDHE-RSA-AES256-GCM-SHA384",
	"ECDHE-ECDSA-AES256-SHA",
	"ECDHE-ECDSA-AES128-SHA",
	"ECDHE-RSA-AES128-SHA",
	"ECDHE-RSA-AES256-SHA",
	"AES128-GCM-SHA256",
	"AES256-GCM-SHA384",
	"AES128-SHA",
	"AES256-SHA",
}

var safariCiphers = []string{
	"TLS_AES_128_GCM_SHA256",
	"TLS_AES_256_GCM_SHA384",
	"TLS_CHACHA20_POLY1305_SHA256",
	"ECDHE-ECDSA-AES256-GCM-SHA384",
	"ECDHE-ECDSA-AES128-GCM-SHA256",
	"ECDHE-ECDSA-CHACHA20-POLY1305",
	"ECDHE-RSA-AES256-GCM-SHA384",
	"ECDHE-RSA-AES128-GCM-SHA256",
	"ECDHE-RSA-CHACHA20-POLY1305",
	"ECDHE-ECDSA-AES256-SHA",
	"ECDHE-ECDSA-AES128-SHA",
	"ECDHE-RSA-AES256-SHA",
	"ECDHE-RSA-AES128-SHA",
	"AES256-GCM-SHA384",
	"AES128-GCM-SHA256",
	"AES256-SHA",
	"AES128-SHA",
}

var (
	chromeH2 = []H2Setting{
		{H2HeaderTableSize, 65536},
		{H2EnablePush, 0},
		{H2MaxConcurrentStreams, 1000},
		{H2InitialWindowSize, 6291456},
		{H2MaxHeaderListSize, 262144},
	}
	firefoxH2 = []H2Setting{
		{H2HeaderTableSize, 65536},
		{H2InitialWindowSize, 131072},
		{H2MaxFrameSize, 16384},
	}
	safariH2 = []H2Setting{
		{H2HeaderTableSize, 4096},
		{H2EnablePush, 0},
		{H2MaxConcurrentStreams, 100},
		{H2InitialWindowSize, 2097152},
		{H2MaxHeaderListSize, 16384},
	}
)

var chromeHeaderOrder = []string{
	"host", "connection", "cache-control", "sec-ch-ua", "sec-ch-ua-mobile",
	"sec-ch-ua-platform", "upgrade-insecure-requests", "user-agent", "accept",
	"sec-fetch-site", "sec-fetch-mode", "sec-fetch-user", "sec-fetch-dest",
	"accept-encoding", "accept-language", "cookie",
}

var firefoxHeaderOrder = []string{
	"Host", "User-Agent", "Accept", "Accept-Language", "Accept-Encoding",
	"Connection", "Cookie", "Upgrade-Insecure-Requests", "Sec-Fetch-Dest",
	"Sec-Fetch-Mode", "Sec-Fetch-Site", "Sec-Fetch-User", "TE",
}

var safariHeaderOrder = []string{
	"Host", "Accept", "Sec-Fetch-Site", "Cookie", "Sec-Fetch-Dest",
	"Accept-Language", "Sec-Fetch-Mode", "User-Agent", "Accept-Encoding",
	"Connection",
}

func chrome(name, platform, version, ua, platformHint string, mobile bool) *Profile {
	mobileHint := "?0"
	if mobile {
		mobileHint = "?1"
	}
	secChUA := `"Not_A Brand";v="8", "Chromium";v="` + version + `", "Google Chrome";v="` + version + `"`
	if version != "120" {
		secChUA = `"Chromium";v="` + version + `", "Google Chrome";v="` + version + `", "Not-A.Brand";v="99"`
	}
	return &Profile{
		Name:      name,
		Browser:   "chrome",
		Platform:  platform,
		HelloID:   utls.HelloChrome_120,
		JA3:       chromeJA3,
		Ciphers:   chromeCiphers,
		UserAgent: ua,
		Headers: []types.Header{
			{Name: "Cache-Control", Value: "max-age=0"},
			{Name: "Sec-Ch-Ua", Value: secChUA},
			{Name: "Sec-Ch-Ua-Mobile", Value: mobileHint},
			{Name: "Sec-Ch-Ua-Platform", Value: platformHint},
			{Name: "Upgrade-Insecure-Requests", Value: "1"},
			{Name: "Accept", Value: "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7"},
			{Name: "Sec-Fetch-Site", Value: "none"},
			{Name: "Sec-Fetch-Mode", Value: "navigate"},
			{Name: "Sec-Fetch-User", Value: "?1"},
			{Name: "Sec-Fetch-Dest", Value: "document"},
			{Name: "Accept-Encoding", Value: "gzip, deflate, br"},
			{Name: "Accept-Language", Value: "en-US,en;q=0.9"},
		},
		HeaderOrder: chromeHeaderOrder,
		HTTP2:       true,
		H2Settings:  chromeH2,
		UAVariance:  true,
	}
}

func edge(name, platform, version, ua string) *Profile {
	p := chrome(name, platform, version, ua, `"Windows"`, false)
	p.Browser = "edge"
	p.HelloID = utls.HelloEdge_106
	p.Headers[1].Value = `"Not_A Brand";v="8", "Chromium";v="` + version + `", "Microsoft Edge";v="` + version + `"`
	return p
}

func firefox(name, platform, ua string) *Profile {
	return &Profile{
		Name:      name,
		Browser:   "firefox",
		Platform:  platform,
		HelloID:   utls.HelloFirefox_120,
		JA3:       firefoxJA3,
		Ciphers:   firefoxCiphers,
		UserAgent: ua,
		Headers: []types.Header{
			{Name: "Accept", Value: "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"},
			{Name: "Accept-Language", Value: "en-US,en;q=0.5"},
			{Name: "Accept-Encoding", Value: "gzip, deflate, br"},
			{Name: "Upgrade-Insecure-Requests", Value: "1"},
			{Name: "Sec-Fetch-Dest", Value: "document"},
			{Name: "Sec-Fetch-Mode", Value: "navigate"},
			{Name: "Sec-Fetch-Site", Value: "none"},
			{Name: "Sec-Fetch-User", Value: "?1"},
		},
		HeaderOrder:   firefoxHeaderOrder,
		HTTP2:         true,
		H2Settings:    firefoxH2,
		CipherShuffle: true,
		UAVariance:    true,
	}
}

func safari(name, platform, ua string, helloID utls.ClientHelloID) *Profile {
	return &Profile{
		Name:      name,
		Browser:   "safari",
		Platform:  platform,
		HelloID:   helloID,
		JA3:       safariJA3,
		Ciphers:   safariCiphers,
		UserAgent: ua,
		Headers: []types.Header{
			{Name: "Accept", Value: "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"},
			{Name: "Sec-Fetch-Site", Value: "none"},
			{Name: "Sec-Fetch-Dest", Value: "document"},
			{Name: "Accept-Language", Value: "en-US,en;q=0.9"},
			{Name: "Sec-Fetch-Mode", Value: "navigate"},
			{Name: "Accept-Encoding", Value: "gzip, deflate, br"},
		},
		HeaderOrder: safariHeaderOrder,
		HTTP2:       true,
		H2Settings:  safariH2,
	}
}

func catalog() []*Profile {
	const (
		winUA   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%s.0.0.0 Safari/537.36"
		macUA   = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%s.0.0.0 Safari/537.36"
		linuxUA = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%s.0.0.0 Safari/537.36"
	)

	var list []*Profile
	for _, v := range []string{"120", "124", "125"} {
		list = append(list,
			chrome("chrome_"+v+"_win11", "win11", v, fmt.Sprintf(winUA, v), `"Windows"`, false),
			chrome("chrome_"+v+"_win10", "win10", v, fmt.Sprintf(winUA, v), `"Windows"`, false),
			chrome("chrome_"+v+"_macos", "macos", v, fmt.Sprintf(macUA, v), `"macOS"`, false),
			chrome("chrome_"+v+"_linux", "linux", v, fmt.Sprintf(linuxUA, v), `"Linux"`, false),
		)
	}

	list = append(list,
		chrome("chrome_android_120", "android", "120",
			"Mozilla/5.0 (Linux; Android 14; SM-S918B) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.6099.144 Mobile Safari/537.36",
			`"Android"`, true),
		chrome("chrome_android_124", "android", "124",
			"Mozilla/5.0 (Linux; Android 14; SM-S918B) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.6367.82 Mobile Safari/537.36",
			`"Android"`, true),
	)

	for _, v := range []string{"120", "124"} {
		list = append(list,
			firefox("firefox_"+v+"_win11", "win11", "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:"+v+".0) Gecko/20100101 Firefox/"+v+".0"),
			firefox("firefox_"+v+"_win10", "win10", "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:"+v+".0) Gecko/20100101 Firefox/"+v+".0"),
			firefox("firefox_"+v+"_macos", "macos", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:"+v+".0) Gecko/20100101 Firefox/"+v+".0"),
			firefox("firefox_"+v+"_linux", "linux", "Mozilla/5.0 (X11; Linux x86_64; rv:"+v+".0) Gecko/20100101 Firefox/"+v+".0"),
		)
	}

	list = append(list,
		safari("safari_ios17", "ios",
			"Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
			utls.HelloIOS_14),
		safari("safari_ios16", "ios",
			"Mozilla/5.0 (iPhone; CPU iPhone OS 16_6 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.6 Mobile/15E148 Safari/604.1",
			utls.HelloIOS_14),
		safari("safari_macos14", "macos",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_0) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15",
			utls.HelloSafari_16_0),
		safari("safari_macos13", "macos",
			"Mozilla/5.0 (Macintosh; Intel Mac OS X 13_6) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/16.6 Safari/605.1.15",
			utls.HelloSafari_16_0),
	)

	for _, v := range []string{"120", "124"} {
		ua := "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/" + v + ".0.0.0 Safari/537.36 Edg/" + v + ".0.0.0"
		list = append(list,
			edge("edge_"+v+"_win11", "win11", v, ua),
			edge("edge_"+v+"_win10", "win10", v, ua),
		)
	}

	return list
}

// Short names kept for configs written against the first catalog
var aliases = map[string]string{
	"chrome_120":       "chrome_120_win11",
	"chrome_124":       "chrome_124_win11",
	"chrome_latest":    "chrome_125_win11",
	"firefox_120":      "firefox_120_win11",
	"firefox_latest":   "firefox_124_win11",
	"mobile_safari_17": "safari_ios17",
	"ios_safari_17":    "safari_ios17",
	"safari_latest":    "safari_ios17",
	"edge_latest":      "edge_124_win11",
	"mobile_chrome":    "chrome_android_124",
}
