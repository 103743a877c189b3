package compiler

import (
	"encoding/base64"
	"html"
	"strings"

	"storystack-server/shared/models"
)

// offlinePlayerTemplate — автономный HTML-документ с минимальным
// интерпретатором бандла. После загрузки страницы сеть не требуется:
// бандл встроен как base64 JSON, изображения — как data URI (если
// компиляция выполнялась с EmbedAssets).
const offlinePlayerTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>__TITLE__</title>
<style>
body { font-family: Georgia, serif; max-width: 680px; margin: 2rem auto; padding: 0 1rem; background: #faf8f4; color: #222; }
h1 { font-size: 1.4rem; }
#card-title { margin-bottom: .3rem; }
#card-image { max-width: 100%; border-radius: 8px; margin: .5rem 0; }
#card-content { line-height: 1.6; white-space: pre-wrap; }
.choice { display: block; width: 100%; text-align: left; margin: .4rem 0; padding: .6rem .9rem; border: 1px solid #c9c2b4; border-radius: 6px; background: #fff; font-size: 1rem; cursor: pointer; }
.choice:hover { background: #f0ece2; }
#back { margin-top: 1rem; background: none; border: none; color: #7a6f58; cursor: pointer; }
#the-end { font-style: italic; color: #7a6f58; }
</style>
</head>
<body>
<h1>__TITLE__</h1>
<div id="card-title"></div>
<img id="card-image" style="display:none" alt="">
<div id="card-content"></div>
<div id="choices"></div>
<p id="the-end" style="display:none">The End</p>
<button id="back" style="display:none">&#8592; Back</button>
<script>
(function () {
  var bundle = JSON.parse(atob("__BUNDLE_B64__"));
  var cards = {}, choicesByCard = {}, assets = {};
  bundle.data.cards.forEach(function (c) { cards[c.id] = c; choicesByCard[c.id] = []; });
  bundle.data.choices.forEach(function (ch) {
    if (choicesByCard[ch.cardId]) choicesByCard[ch.cardId].push(ch);
  });
  (bundle.assets.images || []).forEach(function (a) { assets[a.id] = a.dataUri || a.url || ""; });

  var history = [];
  var current = bundle.data.navigation.entryCardId;

  function render() {
    var card = cards[current];
    if (!card) return;
    document.getElementById("card-title").textContent = card.title || "";
    document.getElementById("card-content").textContent = card.content || "";
    var img = document.getElementById("card-image");
    var src = card.imageId ? assets[card.imageId] : "";
    if (src) { img.src = src; img.style.display = ""; } else { img.style.display = "none"; }

    var box = document.getElementById("choices");
    box.innerHTML = "";
    var list = (choicesByCard[current] || []).slice().sort(function (a, b) { return a.orderIndex - b.orderIndex; });
    list.forEach(function (ch) {
      var btn = document.createElement("button");
      btn.className = "choice";
      btn.textContent = ch.label;
      btn.onclick = function () { history.push(current); current = ch.targetCardId; render(); };
      box.appendChild(btn);
    });
    document.getElementById("the-end").style.display = list.length ? "none" : "";
    document.getElementById("back").style.display = history.length ? "" : "none";
  }

  document.getElementById("back").onclick = function () {
    if (history.length) { current = history.pop(); render(); }
  };
  render();
})();
</script>
</body>
</html>
`

// RenderOfflinePlayer собирает автономный HTML-плеер для бандла.
// Это единственный путь воспроизведения, не требующий сети после загрузки.
func RenderOfflinePlayer(bundle *models.CompiledBundle) ([]byte, error) {
	encoded, err := BundleToBytes(bundle, false)
	if err != nil {
		return nil, err
	}

	page := offlinePlayerTemplate
	page = strings.ReplaceAll(page, "__TITLE__", html.EscapeString(bundle.Metadata.Name))
	page = strings.ReplaceAll(page, "__BUNDLE_B64__", base64.StdEncoding.EncodeToString(encoded))
	return []byte(page), nil
}
