package sandbox

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// bootstrapJS connects the document to its channel. Messages posted through
// window.mcpHost.postMessage go to the host; messages from the host are
// dispatched on window as MessageEvents. Document size is reported as
// ui/notifications/size-changed whenever it changes.
const bootstrapJS = `(function(){
var url=%s,q=[],ws,closed=false;
function connect(){
ws=new WebSocket(url);
ws.onopen=function(){while(q.length)ws.send(q.shift());};
ws.onmessage=function(e){var d;try{d=JSON.parse(e.data);}catch(_){return;}window.dispatchEvent(new MessageEvent("message",{data:d,origin:location.origin}));};
ws.onclose=function(e){if(!closed&&e.code!==1008&&e.code!==1000)setTimeout(connect,1000);};
}
function send(m){var s=JSON.stringify(m);if(ws&&ws.readyState===1)ws.send(s);else q.push(s);}
window.mcpHost={postMessage:send,close:function(){closed=true;ws.close();}};
var last="";
function report(){var el=document.documentElement,h=Math.ceil(el.scrollHeight),w=Math.ceil(el.scrollWidth),k=h+"x"+w;if(k===last)return;last=k;send({jsonrpc:"2.0",method:"ui/notifications/size-changed",params:{height:h,width:w}});}
if(window.ResizeObserver){new ResizeObserver(report).observe(document.documentElement);}
window.addEventListener("load",report);
connect();
})();`

// injectBootstrap returns markup with the bootstrap script as the first
// element of <head>. Markup without a head gets one.
func injectBootstrap(markup, channelURL string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(markup))
	if err != nil {
		return "", fmt.Errorf("parse markup: %w", err)
	}
	// json.Marshal escapes <, > and &, so the URL cannot close the script.
	quoted, err := json.Marshal(channelURL)
	if err != nil {
		return "", err
	}
	head := doc.Find("head").First()
	head.PrependHtml(`<script data-mcp-bootstrap>` + fmt.Sprintf(bootstrapJS, quoted) + `</script>`)
	if head.Find(`meta[charset]`).Length() == 0 {
		head.PrependHtml(`<meta charset="utf-8">`)
	}
	out, err := doc.Html()
	if err != nil {
		return "", fmt.Errorf("render markup: %w", err)
	}
	return "<!DOCTYPE html>" + strings.TrimPrefix(out, "<!DOCTYPE html>"), nil
}
